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

package job

import (
	"context"
	"sync"

	"github.com/tombee/taskd/internal/joblog"
)

// CancelFlag is a single-shot set/test primitive published to blocking
// handlers before they start. Timeout or cancellation sets the flag;
// the handler is expected to poll it (or select on Done) between
// computational steps. A handler that never polls keeps its pool worker
// until it finishes naturally.
type CancelFlag struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelFlag returns an unset flag.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{ch: make(chan struct{})}
}

// Set raises the flag. Idempotent.
func (f *CancelFlag) Set() {
	f.once.Do(func() { close(f.ch) })
}

// IsSet reports whether the flag has been raised.
func (f *CancelFlag) IsSet() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is raised.
func (f *CancelFlag) Done() <-chan struct{} { return f.ch }

// TaskContext carries the current invocation's RunData, its scoped
// logger and its cancel flag, so handler code can reach them without
// parameter threading.
type TaskContext struct {
	Data   RunData
	Log    *joblog.Logger
	Cancel *CancelFlag
}

// Params returns the opaque payload supplied by the scheduler.
func (t *TaskContext) Params() string { return t.Data.Params }

type taskContextKey struct{}

// NewContext binds the task context into ctx for the duration of a
// handler invocation.
func NewContext(parent context.Context, tc *TaskContext) context.Context {
	return context.WithValue(parent, taskContextKey{}, tc)
}

// FromContext retrieves the invocation's task context. It returns false
// when called outside a handler invocation.
func FromContext(ctx context.Context) (*TaskContext, bool) {
	tc, ok := ctx.Value(taskContextKey{}).(*TaskContext)
	return tc, ok
}
