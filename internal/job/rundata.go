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

// Package job holds the handler registry and the per-invocation task
// context shared between the dispatch engine and user handler code.
package job

import (
	"fmt"
	"time"
)

// BlockStrategy selects the behavior when a run request arrives for a
// job that already has an invocation in flight.
type BlockStrategy string

const (
	// SerialExecution queues the new request behind the running one.
	SerialExecution BlockStrategy = "SERIAL_EXECUTION"
	// DiscardLater rejects the new request.
	DiscardLater BlockStrategy = "DISCARD_LATER"
	// CoverEarly cancels the running invocation and runs the new
	// request in its place.
	CoverEarly BlockStrategy = "COVER_EARLY"
)

// Known reports whether the strategy is one of the three wire values.
func (s BlockStrategy) Known() bool {
	switch s {
	case SerialExecution, DiscardLater, CoverEarly:
		return true
	}
	return false
}

// RunData is the immutable request payload describing one invocation,
// as delivered by the scheduler's /run call. Field tags match the wire
// shape; unknown wire fields are tolerated.
type RunData struct {
	JobID   int64  `json:"jobId"`
	LogID   int64  `json:"logId"`
	Handler string `json:"executorHandler"`

	Params        string        `json:"executorParams,omitempty"`
	BlockStrategy BlockStrategy `json:"executorBlockStrategy"`

	// TimeoutSeconds of zero means the configured default applies.
	TimeoutSeconds int `json:"executorTimeout,omitempty"`

	// LogDateTime is milliseconds since epoch, correlated with the
	// result callback.
	LogDateTime int64 `json:"logDateTime,omitempty"`

	// Glue and broadcast fields are carried through but not interpreted
	// by the engine.
	GlueType       string `json:"glueType,omitempty"`
	GlueSource     string `json:"glueSource,omitempty"`
	GlueUpdatetime int64  `json:"glueUpdatetime,omitempty"`
	BroadcastIndex int    `json:"broadcastIndex,omitempty"`
	BroadcastTotal int    `json:"broadcastTotal,omitempty"`
}

// Validate checks the identity invariants.
func (d *RunData) Validate() error {
	if d.JobID <= 0 {
		return fmt.Errorf("jobId must be positive, got %d", d.JobID)
	}
	if d.LogID <= 0 {
		return fmt.Errorf("logId must be positive, got %d", d.LogID)
	}
	if d.Handler == "" {
		return fmt.Errorf("executorHandler is required")
	}
	return nil
}

// Timeout returns the effective timeout given the configured default.
func (d *RunData) Timeout(def time.Duration) time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return def
}

func (d *RunData) String() string {
	return fmt.Sprintf("jobId=%d logId=%d handler=%s block=%s", d.JobID, d.LogID, d.Handler, d.BlockStrategy)
}
