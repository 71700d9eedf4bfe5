// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package joblog implements the task log sink: per-invocation scoped
// loggers whose records are addressable by (jobId, logId), paged reads
// served back to the scheduler, and retention-based expiry. Three
// backends are provided: disk, sqlite and redis.
package joblog

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// NoSuchLogs is the page content returned when no log exists for the
// requested logId. The literal is part of the scheduler protocol.
const NoSuchLogs = "No such logid logs."

// DefaultTailLines caps how many lines a single page read returns when
// the backend is not configured otherwise.
const DefaultTailLines = 1000

// ErrNotFound is returned by ReadAll when no records exist for a logId.
var ErrNotFound = errors.New("no logs for logId")

// PageRequest identifies a window of task log lines.
type PageRequest struct {
	// JobID is required by backends that shard storage by job. The disk
	// and redis backends ignore it.
	JobID int64

	LogID int64

	// FromLine is 1-based.
	FromLine int
}

// Page is one window of task log lines. Field tags match the scheduler's
// /log response content shape.
type Page struct {
	FromLine int    `json:"fromLineNum"`
	ToLine   int    `json:"toLineNum"`
	Content  string `json:"logContent"`
	End      bool   `json:"isEnd"`
}

// Sink is the capability contract each log backend implements.
type Sink interface {
	// Open returns a logger whose records are addressable by
	// (jobID, logID). The logger survives for the invocation's lifetime
	// and must be closed on every exit path.
	Open(jobID, logID int64) (*Logger, error)

	// ReadPage returns up to the configured tail-lines count of
	// consecutive lines starting at req.FromLine. Safe to call while the
	// invocation is still writing.
	ReadPage(ctx context.Context, req PageRequest) (Page, error)

	// ReadAll returns the full transcript for a logId, or ErrNotFound.
	ReadAll(ctx context.Context, jobID, logID int64) (string, error)

	// ExpireOnce deletes records older than the configured retention.
	// Backends with native TTL may no-op.
	ExpireOnce(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// ExpireLoop periodically invokes ExpireOnce until the context is
// cancelled. Errors are logged and the loop continues.
func ExpireLoop(ctx context.Context, s Sink, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ExpireOnce(ctx); err != nil {
				logger.Warn("task log expiry failed", slog.Any("error", err))
			}
		}
	}
}
