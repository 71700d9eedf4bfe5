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

package joblog

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const diskFilePattern = "task-*.log"

// DiskConfig configures the disk log backend.
type DiskConfig struct {
	// Dir is the directory log files are written to. Created if absent.
	Dir string

	// TailLines caps lines per page read. Default DefaultTailLines.
	TailLines int

	// Retention is how long log files are kept. Default 14 days.
	Retention time.Duration

	// Logger is the executor's process logger.
	Logger *slog.Logger
}

// Disk stores task logs as one file per logId under a directory.
type Disk struct {
	dir       string
	tailLines int
	retention time.Duration
	logger    *slog.Logger
}

// NewDisk creates a disk-backed log sink.
func NewDisk(cfg DiskConfig) (*Disk, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 14 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Disk{
		dir:       cfg.Dir,
		tailLines: cfg.TailLines,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}, nil
}

func (d *Disk) path(logID int64) string {
	return filepath.Join(d.dir, fmt.Sprintf("task-%d.log", logID))
}

type diskAppender struct {
	f *os.File
}

func (a *diskAppender) append(level string, ts time.Time, line string) error {
	_, err := a.f.WriteString(line)
	return err
}

func (a *diskAppender) close() error { return a.f.Close() }

// Open creates or appends the log file for logID.
func (d *Disk) Open(jobID, logID int64) (*Logger, error) {
	f, err := os.OpenFile(d.path(logID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task log file: %w", err)
	}
	return newLogger(jobID, logID, &diskAppender{f: f}, d.logger), nil
}

// ReadPage returns one window of lines from the logId's file.
func (d *Disk) ReadPage(ctx context.Context, req PageRequest) (Page, error) {
	page := Page{FromLine: req.FromLine, ToLine: req.FromLine, End: true}

	f, err := os.Open(d.path(req.LogID))
	if err != nil {
		if os.IsNotExist(err) {
			page.Content = NoSuchLogs
			return page, nil
		}
		return page, fmt.Errorf("open task log file: %w", err)
	}
	defer f.Close()

	var (
		sb    strings.Builder
		total int
		last  = req.FromLine + d.tailLines - 1
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		total++
		if total >= req.FromLine && total <= last {
			sb.WriteString(scanner.Text())
			sb.WriteByte('\n')
			page.ToLine = total
		}
	}
	if err := scanner.Err(); err != nil {
		return page, fmt.Errorf("scan task log file: %w", err)
	}

	page.Content = sb.String()
	page.End = page.ToLine >= total
	return page, nil
}

// ReadAll returns the full transcript for a logId.
func (d *Disk) ReadAll(ctx context.Context, jobID, logID int64) (string, error) {
	data, err := os.ReadFile(d.path(logID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(data), nil
}

// ExpireOnce deletes log files whose modification time is older than the
// retention window. Safe to run concurrently with writers: a file being
// appended has a fresh mtime.
func (d *Disk) ExpireOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-d.retention)

	matches, err := filepath.Glob(filepath.Join(d.dir, diskFilePattern))
	if err != nil {
		return err
	}

	var removed int
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			// Possibly deleted by a concurrent sweep.
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		d.logger.Info("expired task logs", slog.Int("count", removed))
	}
	return nil
}

// Close is a no-op; per-invocation file handles are owned by loggers.
func (d *Disk) Close() error { return nil }
