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

// Package dispatch implements the task dispatch engine: it accepts run
// requests from the scheduler, enforces each job's block strategy,
// executes handlers with timeout and cancellation, and reports results
// back through the admin client.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/taskd/internal/admin"
	"github.com/tombee/taskd/internal/job"
	"github.com/tombee/taskd/internal/joblog"
	"github.com/tombee/taskd/internal/log"
)

// Callbacker reports invocation results to the scheduler.
type Callbacker interface {
	Callback(ctx context.Context, logID, startMS int64, code int, msg string) error
}

// Config configures the engine.
type Config struct {
	Registry *job.Registry
	Sink     joblog.Sink
	Callback Callbacker

	// MaxWorkers sizes the pool for blocking handlers. Default 30.
	MaxWorkers int

	// QueueLength caps each job's serial queue. Default 30.
	QueueLength int

	// DefaultTimeout applies when a run request carries none. Default
	// 10 minutes.
	DefaultTimeout time.Duration

	// CallbackTimeout bounds one result callback, retries included.
	// Default 1 minute.
	CallbackTimeout time.Duration

	Logger *slog.Logger
}

// Engine is the dispatch core. One Engine serves all jobs; state is
// tracked per jobId so jobs never contend with each other.
type Engine struct {
	registry   *job.Registry
	sink       joblog.Sink
	cb         Callbacker
	pool       *pool
	queueLen   int
	defTimeout time.Duration
	cbTimeout  time.Duration
	logger     *slog.Logger

	// draining rejects new submissions; halted additionally stops
	// queue promotion. Graceful shutdown sets the first, lets queues
	// drain, then sets the second.
	draining atomic.Bool
	halted   atomic.Bool

	// mu guards jobs and logIDs only. Per-job state has its own lock;
	// mu is never acquired while holding a jobState lock.
	mu     sync.Mutex
	jobs   map[int64]*jobState
	logIDs map[int64]struct{}

	wg sync.WaitGroup
}

// jobState tracks one job's running invocation and its serial queue.
type jobState struct {
	jobID int64

	mu      sync.Mutex
	running *invocation
	pending []job.RunData
}

type invocation struct {
	data    job.RunData
	flag    *job.CancelFlag
	cancel  context.CancelCauseFunc
	done    chan struct{}
	startMS int64
}

// New creates an engine ready to accept submissions.
func New(cfg Config) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 30
	}
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = 30
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		registry:   cfg.Registry,
		sink:       cfg.Sink,
		cb:         cfg.Callback,
		pool:       newPool(cfg.MaxWorkers),
		queueLen:   cfg.QueueLength,
		defTimeout: cfg.DefaultTimeout,
		cbTimeout:  cfg.CallbackTimeout,
		logger:     log.WithComponent(cfg.Logger, "dispatch"),
		jobs:       make(map[int64]*jobState),
		logIDs:     make(map[int64]struct{}),
	}
}

// StatusRunning is the submit status when the invocation starts
// immediately; queued submissions report their queue position instead.
const StatusRunning = "Running"

// Submit accepts one run request and returns a short status string for
// the scheduler ("Running" or the queue position). It returns quickly:
// execution happens on the engine's goroutines. The error, if any, is
// one of the package sentinels (wrapped with detail).
func (e *Engine) Submit(data job.RunData) (string, error) {
	if err := data.Validate(); err != nil {
		submissionsRejected.WithLabelValues("bad_params").Inc()
		return "", fmt.Errorf("%w: %v", ErrJobParams, err)
	}
	strategy := data.BlockStrategy
	if strategy == "" {
		strategy = job.SerialExecution
	}
	if !strategy.Known() {
		submissionsRejected.WithLabelValues("bad_params").Inc()
		return "", fmt.Errorf("%w: unknown block strategy %q", ErrJobParams, data.BlockStrategy)
	}
	if _, ok := e.registry.Lookup(data.Handler); !ok {
		submissionsRejected.WithLabelValues("unknown_handler").Inc()
		return "", fmt.Errorf("%w: %q", ErrHandlerNotFound, data.Handler)
	}

	e.mu.Lock()
	if e.draining.Load() {
		e.mu.Unlock()
		return "", ErrStopped
	}
	if _, dup := e.logIDs[data.LogID]; dup {
		e.mu.Unlock()
		submissionsRejected.WithLabelValues("duplicate").Inc()
		return "", fmt.Errorf("%w: logId %d already submitted", ErrJobDuplicate, data.LogID)
	}
	e.logIDs[data.LogID] = struct{}{}
	st := e.jobs[data.JobID]
	if st == nil {
		st = &jobState{jobID: data.JobID}
		e.jobs[data.JobID] = st
	}
	e.mu.Unlock()

	st.mu.Lock()
	if st.running == nil && len(st.pending) == 0 {
		e.start(st, data)
		st.mu.Unlock()
		return StatusRunning, nil
	}

	switch strategy {
	case job.SerialExecution:
		if len(st.pending) >= e.queueLen {
			st.mu.Unlock()
			e.forgetLogID(data.LogID)
			submissionsRejected.WithLabelValues("queue_full").Inc()
			return "", fmt.Errorf("%w: job %d queue is full (%d pending)", ErrJobDuplicate, data.JobID, e.queueLen)
		}
		st.pending = append(st.pending, data)
		pos := len(st.pending)
		pendingTasks.Inc()
		st.mu.Unlock()
		return fmt.Sprintf("queued at position %d", pos), nil

	case job.DiscardLater:
		st.mu.Unlock()
		e.forgetLogID(data.LogID)
		submissionsRejected.WithLabelValues("duplicate").Inc()
		return "", fmt.Errorf("%w: job %d is already running", ErrJobDuplicate, data.JobID)

	case job.CoverEarly:
		// Enqueue behind any waiting requests, then take down the
		// current invocation; queued work keeps its submit order. No
		// capacity limit: the scheduler explicitly asked for the
		// newest run to win eventually.
		st.pending = append(st.pending, data)
		pos := len(st.pending)
		pendingTasks.Inc()
		running := st.running
		st.mu.Unlock()
		if running != nil {
			running.flag.Set()
			running.cancel(errCancelled)
		}
		return fmt.Sprintf("queued at position %d", pos), nil
	}

	st.mu.Unlock()
	return "", ErrJobParams
}

// start launches an invocation. Caller holds st.mu.
func (e *Engine) start(st *jobState, data job.RunData) {
	ctx, cancel := context.WithCancelCause(context.Background())
	inv := &invocation{
		data:    data,
		flag:    job.NewCancelFlag(),
		cancel:  cancel,
		done:    make(chan struct{}),
		startMS: time.Now().UnixMilli(),
	}
	st.running = inv
	runsStarted.Inc()
	runningJobs.Inc()
	e.wg.Add(1)
	go e.run(ctx, st, inv)
}

// run drives one invocation to completion: execute, report, then hand
// the job to the next queued request.
func (e *Engine) run(ctx context.Context, st *jobState, inv *invocation) {
	defer e.wg.Done()
	defer close(inv.done)

	data := inv.data
	logger := log.WithJob(e.logger, data.JobID, data.LogID).With(slog.String(log.HandlerKey, data.Handler))
	started := time.Now()

	taskLog, err := e.sink.Open(data.JobID, data.LogID)
	if err != nil {
		logger.Error("open task log", log.Error(err))
		taskLog = joblog.Nop(data.JobID, data.LogID)
	}

	timeout := data.Timeout(e.defTimeout)
	timer := time.AfterFunc(timeout, func() {
		inv.flag.Set()
		inv.cancel(errTimedOut)
	})

	logger.Info("task started", slog.String("block_strategy", string(data.BlockStrategy)), slog.Duration("timeout", timeout))
	taskLog.Infof("task started: handler=%s params=%q", data.Handler, data.Params)

	code, msg, status := e.execute(ctx, data, inv.flag, taskLog)

	timer.Stop()
	inv.cancel(nil)
	taskLog.Close()

	logger.Info("task completed",
		slog.String("status", status),
		slog.Int64(log.DurationKey, time.Since(started).Milliseconds()),
	)
	runsCompleted.WithLabelValues(status).Inc()

	// Report before promoting the next queued request so each job's
	// callbacks reach the scheduler in submit order.
	cbctx, cbcancel := context.WithTimeout(context.Background(), e.cbTimeout)
	if err := e.cb.Callback(cbctx, data.LogID, inv.startMS, code, msg); err != nil {
		callbackFailures.Inc()
		logger.Error("result callback failed", log.Error(err))
	}
	cbcancel()

	e.finish(st, inv)
}

// execute runs the handler and maps the outcome to a callback code and
// message. It returns as soon as ctx ends, even if a blocking handler
// is still holding its pool worker.
func (e *Engine) execute(ctx context.Context, data job.RunData, flag *job.CancelFlag, taskLog *joblog.Logger) (code int, msg, status string) {
	info, ok := e.registry.Lookup(data.Handler)
	if !ok {
		// Unregistered between submit and run.
		taskLog.Errorf("handler %q is not registered", data.Handler)
		return admin.CodeFailure, fmt.Sprintf("handler %q not found", data.Handler), statusFailed
	}

	hctx := job.NewContext(ctx, &job.TaskContext{Data: data, Log: taskLog, Cancel: flag})

	type result struct {
		msg string
		err error
	}
	resCh := make(chan result, 1)
	runFn := func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := info.Run(hctx)
		resCh <- result{msg: out, err: err}
	}

	if info.Kind == job.KindBlocking {
		if err := e.pool.submit(runFn); err != nil {
			taskLog.Errorf("task failed: %v", err)
			return admin.CodeFailure, err.Error(), statusFailed
		}
	} else {
		go runFn()
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			taskLog.Errorf("task failed: %v", res.err)
			return admin.CodeFailure, res.err.Error(), statusFailed
		}
		out := res.msg
		if out == "" {
			out = "success"
		}
		taskLog.Info("task finished")
		return admin.CodeSuccess, out, statusSuccess
	case <-ctx.Done():
		return e.abortOutcome(context.Cause(ctx), taskLog)
	}
}

func (e *Engine) abortOutcome(cause error, taskLog *joblog.Logger) (int, string, string) {
	if errors.Is(cause, errTimedOut) || errors.Is(cause, context.DeadlineExceeded) {
		taskLog.Error("task timed out")
		return admin.CodeFailure, "TimeoutError", statusTimeout
	}
	taskLog.Warn("task cancelled")
	return admin.CodeFailure, "CancelledError", statusCancelled
}

// finish clears the running slot and promotes the queue head.
func (e *Engine) finish(st *jobState, inv *invocation) {
	st.mu.Lock()
	if st.running == inv {
		st.running = nil
		runningJobs.Dec()
	}
	if st.running == nil && len(st.pending) > 0 && !e.halted.Load() {
		next := st.pending[0]
		st.pending = st.pending[1:]
		pendingTasks.Dec()
		e.start(st, next)
	}
	st.mu.Unlock()

	e.forgetLogID(inv.data.LogID)
}

func (e *Engine) forgetLogID(id int64) {
	e.mu.Lock()
	delete(e.logIDs, id)
	e.mu.Unlock()
}

// Busy reports whether the job has an invocation currently executing.
// Only the running slot counts; queue promotion happens under the job
// lock, so a job with pending work always has a running invocation
// too.
func (e *Engine) Busy(jobID int64) bool {
	e.mu.Lock()
	st := e.jobs[jobID]
	e.mu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.running != nil
}

// Cancel stops the job's running invocation, if any, and waits for it
// to wind down. With includeQueue, queued requests are discarded first
// so the cancelled invocation's finish path finds nothing to promote.
// Returns whether there was anything to cancel.
func (e *Engine) Cancel(ctx context.Context, jobID int64, includeQueue bool) bool {
	e.mu.Lock()
	st := e.jobs[jobID]
	e.mu.Unlock()
	if st == nil {
		return false
	}

	st.mu.Lock()
	var dropped []job.RunData
	if includeQueue && len(st.pending) > 0 {
		dropped = st.pending
		st.pending = nil
		pendingTasks.Sub(float64(len(dropped)))
	}
	inv := st.running
	if inv != nil {
		inv.flag.Set()
		inv.cancel(errCancelled)
	}
	st.mu.Unlock()

	for _, d := range dropped {
		e.forgetLogID(d.LogID)
	}
	if inv == nil {
		return len(dropped) > 0
	}

	// The invocation's finish path needs st.mu; waiting under the lock
	// would deadlock.
	select {
	case <-inv.done:
	case <-ctx.Done():
	}
	return true
}

// Active returns the number of invocations running or queued across
// all jobs.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.logIDs)
}

// Shutdown cancels everything in flight, discards all queues and waits
// for invocation goroutines and pool workers until ctx expires. A
// blocking handler that ignores its cancel flag can hold a pool worker
// past the deadline; the returned error reports that.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.draining.Store(true)
	e.halted.Store(true)

	e.mu.Lock()
	states := make([]*jobState, 0, len(e.jobs))
	for _, st := range e.jobs {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		dropped := st.pending
		st.pending = nil
		if n := len(dropped); n > 0 {
			pendingTasks.Sub(float64(n))
		}
		if st.running != nil {
			st.running.flag.Set()
			st.running.cancel(errCancelled)
		}
		st.mu.Unlock()
		for _, d := range dropped {
			e.forgetLogID(d.LogID)
		}
	}

	settled := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.pool.close()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// ShutdownGraceful stops accepting work, lets running invocations and
// their queues drain, then shuts down. When ctx expires first the
// remaining work is cancelled as in Shutdown.
func (e *Engine) ShutdownGraceful(ctx context.Context) error {
	e.draining.Store(true)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for e.Active() > 0 {
		select {
		case <-ctx.Done():
			e.logger.Warn("graceful drain expired, cancelling remaining tasks", slog.Int("active", e.Active()))
			return e.Shutdown(ctx)
		case <-ticker.C:
		}
	}
	return e.Shutdown(context.Background())
}
