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

package dispatch

import "errors"

// Sentinel errors returned by Submit. The HTTP layer maps each to a
// protocol failure reply; none of them crash the executor.
var (
	// ErrHandlerNotFound means the requested handler name is not
	// registered on this executor.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrJobDuplicate means the run request was rejected by the job's
	// block strategy or is a replay of an already-known logId.
	ErrJobDuplicate = errors.New("job rejected by block strategy")

	// ErrJobParams means the run request itself is malformed.
	ErrJobParams = errors.New("invalid run request")

	// ErrStopped means the engine is shutting down and accepts no new
	// work.
	ErrStopped = errors.New("engine is stopped")
)

// Cancellation causes, distinguished via context.Cause so the callback
// can name what ended the invocation.
var (
	errCancelled = errors.New("CancelledError")
	errTimedOut  = errors.New("TimeoutError")
)
