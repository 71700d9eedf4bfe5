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

// Package daemon assembles and runs the executor: log sink, admin
// client, dispatch engine and the HTTP server the scheduler calls.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/taskd/internal/admin"
	"github.com/tombee/taskd/internal/config"
	"github.com/tombee/taskd/internal/daemon/api"
	"github.com/tombee/taskd/internal/dispatch"
	"github.com/tombee/taskd/internal/job"
	"github.com/tombee/taskd/internal/joblog"
	"github.com/tombee/taskd/internal/log"
)

// Options holds build information for startup logging.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon owns the executor's components and their lifecycle.
type Daemon struct {
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	registry *job.Registry

	sink   joblog.Sink
	admin  *admin.Client
	engine *dispatch.Engine
	server *http.Server
	ln     net.Listener

	loopCancel context.CancelFunc
	loops      sync.WaitGroup
	serveErr   chan error

	mu      sync.Mutex
	started bool
}

// New wires up the executor's components from configuration. The
// registry should be fully populated; handlers registered after Start
// are picked up but risk racing the scheduler's first dispatches.
func New(cfg *config.Config, registry *job.Registry, opts Options) (*Daemon, error) {
	logCfg := log.FromEnv()
	if cfg.Debug {
		logCfg.Level = "debug"
	}
	logger := log.New(logCfg)

	sink, err := newSink(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create log sink: %w", err)
	}

	adminClient := admin.New(admin.Config{
		BaseURL:      cfg.AdminBaseURL,
		AccessToken:  cfg.AccessToken,
		CallbackRate: cfg.CallbackRate,
		Logger:       log.WithComponent(logger, "admin"),
	})

	engine := dispatch.New(dispatch.Config{
		Registry:       registry,
		Sink:           sink,
		Callback:       adminClient,
		MaxWorkers:     cfg.MaxWorkers,
		QueueLength:    cfg.TaskQueueLength,
		DefaultTimeout: cfg.TaskTimeout,
		Logger:         logger,
	})

	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   log.WithComponent(logger, "daemon"),
		registry: registry,
		sink:     sink,
		admin:    adminClient,
		engine:   engine,
		serveErr: make(chan error, 1),
	}, nil
}

// newSink builds the configured task log backend.
func newSink(cfg *config.Config, logger *slog.Logger) (joblog.Sink, error) {
	retention := time.Duration(cfg.Log.RetentionDays * 24 * float64(time.Hour))
	sinkLogger := log.WithComponent(logger, "joblog")

	switch cfg.Log.Backend {
	case config.BackendDisk:
		return joblog.NewDisk(joblog.DiskConfig{
			Dir:       cfg.Log.Dir,
			TailLines: cfg.Log.TailLines,
			Retention: retention,
			Logger:    sinkLogger,
		})
	case config.BackendSQLite:
		return joblog.NewSQLite(joblog.SQLiteConfig{
			Path:      filepath.Join(cfg.Log.Dir, "tasklogs.db"),
			TailLines: cfg.Log.TailLines,
			Retention: retention,
			Logger:    sinkLogger,
		})
	case config.BackendRedis:
		return joblog.NewRedis(joblog.RedisConfig{
			URL:       cfg.Log.RedisURL,
			App:       cfg.AppName,
			TailLines: cfg.Log.TailLines,
			Retention: retention,
			Logger:    sinkLogger,
		})
	default:
		return nil, fmt.Errorf("unknown log backend %q", cfg.Log.Backend)
	}
}

// Start binds the listener, announces the executor to the scheduler
// and begins serving. It does not block; watch Err() for a server
// failure.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", d.cfg.ListenAddr(), err)
	}
	d.ln = ln

	router := api.NewRouter(api.RouterConfig{
		AccessToken: d.cfg.AccessToken,
		Dispatcher:  d.engine,
		Logs:        d.sink,
		Logger:      d.logger,
	})
	d.server = &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("taskd starting",
		slog.String("version", d.opts.Version),
		slog.String("app", d.cfg.AppName),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("advertise_url", d.cfg.AdvertiseURL),
		slog.String("log_backend", d.cfg.Log.Backend),
		slog.Int("handlers", len(d.registry.List())),
	)

	loopCtx, cancel := context.WithCancel(context.Background())
	d.loopCancel = cancel
	d.startRegistryLoop(loopCtx)
	if d.cfg.Log.ExpireInterval > 0 {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			joblog.ExpireLoop(loopCtx, d.sink, d.cfg.Log.ExpireInterval, d.logger)
		}()
	}

	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.serveErr <- err
		}
	}()
	return nil
}

// startRegistryLoop announces the executor immediately and then on
// every heartbeat interval. The scheduler drops executors that miss
// heartbeats, so failures only log; the next tick tries again.
func (d *Daemon) startRegistryLoop(ctx context.Context) {
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		d.admin.Register(ctx, d.cfg.AppName, d.cfg.AdvertiseURL)

		ticker := time.NewTicker(d.cfg.RegisterInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.admin.Register(ctx, d.cfg.AppName, d.cfg.AdvertiseURL)
			}
		}
	}()
}

// Err reports a server failure after Start.
func (d *Daemon) Err() <-chan error { return d.serveErr }

// Addr returns the bound listen address, useful when the configured
// port is 0.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Shutdown stops the executor: unregister from the scheduler, wind
// down the engine (draining first when graceful close is configured),
// then stop the HTTP server and close the log sink.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("taskd shutting down")

	if d.loopCancel != nil {
		d.loopCancel()
	}
	d.loops.Wait()

	// Unregister first so the scheduler stops dispatching here while
	// in-flight work winds down.
	unregCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := d.admin.Unregister(unregCtx, d.cfg.AppName, d.cfg.AdvertiseURL); err != nil {
		d.logger.Warn("unregister failed", log.Error(err))
	}
	cancel()

	var errs []error
	if d.cfg.GracefulClose {
		drainCtx, cancel := context.WithTimeout(ctx, d.cfg.GracefulTimeout)
		if err := d.engine.ShutdownGraceful(drainCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	} else {
		if err := d.engine.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if d.server != nil {
		srvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := d.server.Shutdown(srvCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		cancel()
	}

	if err := d.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log sink: %w", err))
	}

	for _, err := range errs {
		d.logger.Error("shutdown error", log.Error(err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	d.logger.Info("taskd stopped")
	return nil
}
