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

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/taskd/internal/admin"
	"github.com/tombee/taskd/internal/job"
	"github.com/tombee/taskd/internal/joblog"
)

type recordedCallback struct {
	LogID   int64
	StartMS int64
	Code    int
	Msg     string
}

type fakeCallbacker struct {
	mu    sync.Mutex
	calls []recordedCallback
}

func (f *fakeCallbacker) Callback(ctx context.Context, logID, startMS int64, code int, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCallback{LogID: logID, StartMS: startMS, Code: code, Msg: msg})
	return nil
}

func (f *fakeCallbacker) snapshot() []recordedCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedCallback, len(f.calls))
	copy(out, f.calls)
	return out
}

// waitCalls polls until n callbacks have been recorded.
func (f *fakeCallbacker) waitCalls(t *testing.T, n int) []recordedCallback {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return f.snapshot()
}

func newTestEngine(t *testing.T, reg *job.Registry, mutate func(*Config)) (*Engine, *fakeCallbacker) {
	t.Helper()
	sink, err := joblog.NewDisk(joblog.DiskConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	cb := &fakeCallbacker{}
	cfg := Config{
		Registry:       reg,
		Sink:           sink,
		Callback:       cb,
		MaxWorkers:     4,
		QueueLength:    4,
		DefaultTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, cb
}

func runData(jobID, logID int64, handler string, strategy job.BlockStrategy) job.RunData {
	return job.RunData{JobID: jobID, LogID: logID, Handler: handler, BlockStrategy: strategy}
}

func mustSubmit(t *testing.T, e *Engine, data job.RunData) {
	t.Helper()
	_, err := e.Submit(data)
	require.NoError(t, err)
}

// gate registers an async handler that blocks until released (or its
// context ends) and returns the given message.
func gate(t *testing.T, reg *job.Registry, name, msg string) chan struct{} {
	t.Helper()
	release := make(chan struct{})
	require.NoError(t, reg.Register(name, job.KindAsync, func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return msg, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, false))
	return release
}

func TestSubmitRunsAndCallsBack(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("echo", job.KindAsync, func(ctx context.Context) (string, error) {
		tc, _ := job.FromContext(ctx)
		return "echo: " + tc.Params(), nil
	}, false))
	e, cb := newTestEngine(t, reg, nil)

	data := runData(1, 10, "echo", job.SerialExecution)
	data.Params = "hello"
	mustSubmit(t, e, data)

	calls := cb.waitCalls(t, 1)
	assert.Equal(t, int64(10), calls[0].LogID)
	assert.Equal(t, admin.CodeSuccess, calls[0].Code)
	assert.Equal(t, "echo: hello", calls[0].Msg)
	assert.NotZero(t, calls[0].StartMS)

	require.Eventually(t, func() bool { return !e.Busy(1) }, time.Second, 5*time.Millisecond)
}

func TestSubmitStatusMessages(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "done")
	defer close(release)
	e, _ := newTestEngine(t, reg, nil)

	status, err := e.Submit(runData(1, 1, "gated", job.SerialExecution))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	status, err = e.Submit(runData(1, 2, "gated", job.SerialExecution))
	require.NoError(t, err)
	assert.Equal(t, "queued at position 1", status)

	status, err = e.Submit(runData(1, 3, "gated", job.SerialExecution))
	require.NoError(t, err)
	assert.Equal(t, "queued at position 2", status)
}

func TestEmptyResultBecomesSuccess(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("quiet", job.KindAsync, func(ctx context.Context) (string, error) {
		return "", nil
	}, false))
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "quiet", job.SerialExecution))
	calls := cb.waitCalls(t, 1)
	assert.Equal(t, admin.CodeSuccess, calls[0].Code)
	assert.Equal(t, "success", calls[0].Msg)
}

func TestSerialExecutionRunsInSubmitOrder(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "done")
	e, cb := newTestEngine(t, reg, nil)

	for i := int64(1); i <= 3; i++ {
		mustSubmit(t, e, runData(1, i, "gated", job.SerialExecution))
	}
	assert.True(t, e.Busy(1))
	assert.Equal(t, 3, e.Active())

	close(release)
	calls := cb.waitCalls(t, 3)
	for i, call := range calls {
		assert.Equal(t, int64(i+1), call.LogID, "callbacks must follow submit order")
		assert.Equal(t, admin.CodeSuccess, call.Code)
	}
}

func TestSerialQueueFull(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "done")
	defer close(release)
	e, _ := newTestEngine(t, reg, func(cfg *Config) { cfg.QueueLength = 2 })

	mustSubmit(t, e, runData(1, 1, "gated", job.SerialExecution))
	mustSubmit(t, e, runData(1, 2, "gated", job.SerialExecution))
	mustSubmit(t, e, runData(1, 3, "gated", job.SerialExecution))

	_, err := e.Submit(runData(1, 4, "gated", job.SerialExecution))
	assert.ErrorIs(t, err, ErrJobDuplicate)
}

func TestDiscardLater(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "first")
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "gated", job.DiscardLater))
	_, err := e.Submit(runData(1, 2, "gated", job.DiscardLater))
	assert.ErrorIs(t, err, ErrJobDuplicate)

	// The running invocation is untouched by the rejection.
	close(release)
	calls := cb.waitCalls(t, 1)
	assert.Equal(t, int64(1), calls[0].LogID)
	assert.Equal(t, admin.CodeSuccess, calls[0].Code)
	assert.Equal(t, "first", calls[0].Msg)
}

func TestCoverEarlyReplacesRunning(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("slow", job.KindAsync, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, false))
	require.NoError(t, reg.Register("fast", job.KindAsync, func(ctx context.Context) (string, error) {
		return "covered", nil
	}, false))
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "slow", job.CoverEarly))
	mustSubmit(t, e, runData(1, 2, "fast", job.CoverEarly))

	calls := cb.waitCalls(t, 2)
	assert.Equal(t, int64(1), calls[0].LogID)
	assert.Equal(t, admin.CodeFailure, calls[0].Code)
	assert.Equal(t, "CancelledError", calls[0].Msg)
	assert.Equal(t, int64(2), calls[1].LogID)
	assert.Equal(t, admin.CodeSuccess, calls[1].Code)
	assert.Equal(t, "covered", calls[1].Msg)
}

func TestCoverEarlyQueuesBehindPending(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "done")
	defer close(release)
	require.NoError(t, reg.Register("quick", job.KindAsync, func(ctx context.Context) (string, error) {
		return "newest", nil
	}, false))
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "gated", job.SerialExecution))
	mustSubmit(t, e, runData(1, 2, "quick", job.SerialExecution))
	status, err := e.Submit(runData(1, 3, "quick", job.CoverEarly))
	require.NoError(t, err)
	assert.Equal(t, "queued at position 2", status, "cover-early joins the back of the queue")

	// The running invocation is taken down, then the queue drains in
	// submit order: 1 cancelled, 2 then 3 succeed.
	calls := cb.waitCalls(t, 3)
	assert.Equal(t, int64(1), calls[0].LogID)
	assert.Equal(t, "CancelledError", calls[0].Msg)
	assert.Equal(t, int64(2), calls[1].LogID)
	assert.Equal(t, admin.CodeSuccess, calls[1].Code)
	assert.Equal(t, int64(3), calls[2].LogID)
	assert.Equal(t, admin.CodeSuccess, calls[2].Code)
	assert.Equal(t, "newest", calls[2].Msg)
}

func TestTimeoutAsync(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("sleepy", job.KindAsync, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, false))
	e, cb := newTestEngine(t, reg, func(cfg *Config) { cfg.DefaultTimeout = 30 * time.Millisecond })

	mustSubmit(t, e, runData(1, 1, "sleepy", job.SerialExecution))
	calls := cb.waitCalls(t, 1)
	assert.Equal(t, admin.CodeFailure, calls[0].Code)
	assert.Equal(t, "TimeoutError", calls[0].Msg)
}

func TestTimeoutBlockingPollsFlag(t *testing.T) {
	reg := job.NewRegistry()
	observed := make(chan struct{})
	require.NoError(t, reg.Register("loop", job.KindBlocking, func(ctx context.Context) (string, error) {
		tc, _ := job.FromContext(ctx)
		for !tc.Cancel.IsSet() {
			time.Sleep(5 * time.Millisecond)
		}
		close(observed)
		return "", errors.New("stopped")
	}, false))
	e, cb := newTestEngine(t, reg, func(cfg *Config) { cfg.DefaultTimeout = 30 * time.Millisecond })

	mustSubmit(t, e, runData(1, 1, "loop", job.SerialExecution))

	calls := cb.waitCalls(t, 1)
	assert.Equal(t, "TimeoutError", calls[0].Msg)

	select {
	case <-observed:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking handler never observed its cancel flag")
	}
}

func TestTimeoutReportedEvenIfHandlerIgnoresFlag(t *testing.T) {
	reg := job.NewRegistry()
	stubborn := make(chan struct{})
	require.NoError(t, reg.Register("stubborn", job.KindBlocking, func(ctx context.Context) (string, error) {
		<-stubborn
		return "late", nil
	}, false))
	defer close(stubborn)
	e, cb := newTestEngine(t, reg, func(cfg *Config) { cfg.DefaultTimeout = 30 * time.Millisecond })

	mustSubmit(t, e, runData(1, 1, "stubborn", job.SerialExecution))

	// The callback arrives at the timeout while the worker is still held.
	calls := cb.waitCalls(t, 1)
	assert.Equal(t, "TimeoutError", calls[0].Msg)
}

func TestBlockingPoolSaturation(t *testing.T) {
	reg := job.NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, reg.Register("hold", job.KindBlocking, func(ctx context.Context) (string, error) {
		started <- struct{}{}
		<-release
		return "held", nil
	}, false))
	e, cb := newTestEngine(t, reg, func(cfg *Config) { cfg.MaxWorkers = 1 })

	// One invocation occupies the single worker; a second fills the
	// queue slot. The third has nowhere to go and must fail at once,
	// not wait out its timeout.
	mustSubmit(t, e, runData(1, 1, "hold", job.SerialExecution))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation never reached the worker")
	}
	mustSubmit(t, e, runData(2, 2, "hold", job.SerialExecution))
	mustSubmit(t, e, runData(3, 3, "hold", job.SerialExecution))

	calls := cb.waitCalls(t, 1)
	require.Len(t, calls, 1, "only the overflowing invocation reports before release")
	assert.Equal(t, admin.CodeFailure, calls[0].Code)
	assert.Contains(t, calls[0].Msg, "saturated")

	go func() {
		for range started {
		}
	}()
	release <- struct{}{}
	release <- struct{}{}
	calls = cb.waitCalls(t, 3)
	successes := 0
	for _, call := range calls {
		if call.Code == admin.CodeSuccess {
			successes++
		}
	}
	assert.Equal(t, 2, successes)
	close(started)
}

func TestCancelDropsQueueAndStopsRunning(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "done")
	defer close(release)
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "gated", job.SerialExecution))
	mustSubmit(t, e, runData(1, 2, "gated", job.SerialExecution))
	mustSubmit(t, e, runData(1, 3, "gated", job.SerialExecution))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, e.Cancel(ctx, 1, true))

	// Only the running invocation reports; drained queue entries are
	// silently discarded.
	calls := cb.waitCalls(t, 1)
	assert.Equal(t, int64(1), calls[0].LogID)
	assert.Equal(t, "CancelledError", calls[0].Msg)

	require.Eventually(t, func() bool { return !e.Busy(1) }, time.Second, 5*time.Millisecond)
	assert.Len(t, cb.snapshot(), 1)

	// Cancelling an idle job is a no-op.
	assert.False(t, e.Cancel(ctx, 99, true))
}

func TestDuplicateLogIDRejected(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "done")
	defer close(release)
	e, _ := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 7, "gated", job.SerialExecution))
	_, err := e.Submit(runData(1, 7, "gated", job.SerialExecution))
	assert.ErrorIs(t, err, ErrJobDuplicate)
}

func TestHandlerNotFound(t *testing.T) {
	e, _ := newTestEngine(t, job.NewRegistry(), nil)
	_, err := e.Submit(runData(1, 1, "ghost", job.SerialExecution))
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestInvalidSubmissions(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("echo", job.KindAsync, func(ctx context.Context) (string, error) { return "", nil }, false))
	e, _ := newTestEngine(t, reg, nil)

	_, err := e.Submit(runData(0, 1, "echo", job.SerialExecution))
	assert.ErrorIs(t, err, ErrJobParams)

	_, err = e.Submit(runData(1, 1, "echo", job.BlockStrategy("SOMETIMES")))
	assert.ErrorIs(t, err, ErrJobParams)
}

func TestHandlerErrorOutcome(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("bad", job.KindAsync, func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("connect refused: upstream")
	}, false))
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "bad", job.SerialExecution))
	calls := cb.waitCalls(t, 1)
	assert.Equal(t, admin.CodeFailure, calls[0].Code)
	assert.Contains(t, calls[0].Msg, "connect refused")
}

func TestHandlerPanicOutcome(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("boom", job.KindAsync, func(ctx context.Context) (string, error) {
		panic("nil map write")
	}, false))
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "boom", job.SerialExecution))
	calls := cb.waitCalls(t, 1)
	assert.Equal(t, admin.CodeFailure, calls[0].Code)
	assert.Contains(t, calls[0].Msg, "panic")
}

func TestIndependentJobsRunConcurrently(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "one")
	defer close(release)
	require.NoError(t, reg.Register("quick", job.KindAsync, func(ctx context.Context) (string, error) {
		return "two", nil
	}, false))
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "gated", job.SerialExecution))
	mustSubmit(t, e, runData(2, 2, "quick", job.SerialExecution))

	// Job 2 completes while job 1 is still held at the gate.
	calls := cb.waitCalls(t, 1)
	assert.Equal(t, int64(2), calls[0].LogID)
	assert.True(t, e.Busy(1))
	assert.False(t, e.Busy(2))
}

func TestBusyOnlyCountsRunning(t *testing.T) {
	reg := job.NewRegistry()
	e, _ := newTestEngine(t, reg, nil)

	assert.False(t, e.Busy(42), "unknown job is idle")

	// A job whose only state is queued work reports idle; the running
	// slot alone makes it busy.
	st := &jobState{jobID: 42, pending: []job.RunData{runData(42, 1, "x", job.SerialExecution)}}
	e.mu.Lock()
	e.jobs[42] = st
	e.mu.Unlock()
	assert.False(t, e.Busy(42))

	st.mu.Lock()
	st.running = &invocation{
		data:   runData(42, 1, "x", job.SerialExecution),
		flag:   job.NewCancelFlag(),
		cancel: func(error) {},
		done:   make(chan struct{}),
	}
	st.mu.Unlock()
	assert.True(t, e.Busy(42))

	st.mu.Lock()
	st.running = nil
	st.mu.Unlock()
	assert.False(t, e.Busy(42), "queued work alone never reports busy")
}

func TestTaskLogWrittenAndReadable(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("writer", job.KindAsync, func(ctx context.Context) (string, error) {
		tc, _ := job.FromContext(ctx)
		tc.Log.Info("processing batch 1 of 1")
		return "ok", nil
	}, false))

	sink, err := joblog.NewDisk(joblog.DiskConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	defer sink.Close()

	cb := &fakeCallbacker{}
	e := New(Config{Registry: reg, Sink: sink, Callback: cb})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	}()

	mustSubmit(t, e, runData(1, 55, "writer", job.SerialExecution))
	cb.waitCalls(t, 1)

	content, err := sink.ReadAll(context.Background(), 1, 55)
	require.NoError(t, err)
	assert.Contains(t, content, "processing batch 1 of 1")
	assert.True(t, strings.Contains(content, "task started"))
}

func TestShutdownGracefulDrainsQueues(t *testing.T) {
	reg := job.NewRegistry()
	release := gate(t, reg, "gated", "done")
	e, cb := newTestEngine(t, reg, nil)

	for i := int64(1); i <= 3; i++ {
		mustSubmit(t, e, runData(1, i, "gated", job.SerialExecution))
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- e.ShutdownGraceful(ctx)
	}()

	close(release)
	require.NoError(t, <-done)

	// The engine accepts nothing once draining has begun.
	_, err := e.Submit(runData(2, 100, "gated", job.SerialExecution))
	assert.ErrorIs(t, err, ErrStopped)

	calls := cb.snapshot()
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.Equal(t, int64(i+1), call.LogID)
		assert.Equal(t, admin.CodeSuccess, call.Code)
	}
}

func TestShutdownCancelsRunning(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, reg.Register("hang", job.KindAsync, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, false))
	e, cb := newTestEngine(t, reg, nil)

	mustSubmit(t, e, runData(1, 1, "hang", job.SerialExecution))
	require.Eventually(t, func() bool { return e.Busy(1) }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	calls := cb.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "CancelledError", calls[0].Msg)
}
