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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/taskd/internal/config"
	"github.com/tombee/taskd/internal/daemon"
	"github.com/tombee/taskd/internal/job"
	"github.com/tombee/taskd/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath   string
		adminURL     string
		appName      string
		accessToken  string
		advertiseURL string
		listenHost   string
		listenPort   int
		logBackend   string
		logDir       string
		redisURL     string
		graceful     bool
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "taskd",
		Short: "taskd - task executor for the XXL-JOB scheduler",
		Long: `taskd registers itself with an XXL-JOB scheduler and executes the
jobs the scheduler dispatches to it: Go handlers registered by name,
with per-job block strategies, timeouts, cancellation and task logs
the scheduler's UI can page through.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(configPath, func(c *config.Config) {
				if adminURL != "" {
					c.AdminBaseURL = adminURL
				}
				if appName != "" {
					c.AppName = appName
				}
				if accessToken != "" {
					c.AccessToken = accessToken
				}
				if advertiseURL != "" {
					c.AdvertiseURL = advertiseURL
				}
				if listenHost != "" {
					c.ListenHost = listenHost
				}
				if listenPort != 0 {
					c.ListenPort = listenPort
				}
				if logBackend != "" {
					c.Log.Backend = logBackend
				}
				if logDir != "" {
					c.Log.Dir = logDir
				}
				if redisURL != "" {
					c.Log.RedisURL = redisURL
				}
				if cmd.Flags().Changed("graceful") {
					c.GracefulClose = graceful
				}
				if debug {
					c.Debug = true
				}
			})
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&adminURL, "admin-url", "", "Scheduler API base URL (must end with /)")
	cmd.Flags().StringVar(&appName, "app-name", "", "Executor name registered with the scheduler")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "Shared access token")
	cmd.Flags().StringVar(&advertiseURL, "advertise-url", "", "URL the scheduler calls this executor on")
	cmd.Flags().StringVar(&listenHost, "listen-host", "", "Bind address")
	cmd.Flags().IntVar(&listenPort, "listen-port", 0, "Bind port")
	cmd.Flags().StringVar(&logBackend, "log-backend", "", "Task log backend (disk, sqlite, redis)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "Task log directory")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL for the redis log backend")
	cmd.Flags().BoolVar(&graceful, "graceful", false, "Drain running tasks on shutdown")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func run(cfg *config.Config) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	registry := job.NewRegistry()
	registerBuiltins(registry)

	d, err := daemon.New(cfg, registry, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", slog.String("signal", sig.String()))
	case err := <-d.Err():
		logger.Error("server error", log.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout+30*time.Second)
	defer shutdownCancel()
	return d.Shutdown(shutdownCtx)
}

// registerBuiltins installs the handlers shipped with the binary.
// Deployments embed taskd as a library and register their own; these
// exist so a fresh install has something to schedule.
func registerBuiltins(registry *job.Registry) {
	// echo replies with its parameters, for connectivity smoke tests.
	registry.Register("echo", job.KindAsync, func(ctx context.Context) (string, error) {
		tc, _ := job.FromContext(ctx)
		tc.Log.Infof("echo: %s", tc.Params())
		return "echo: " + tc.Params(), nil
	}, false)

	// sleep blocks for the duration given in params (e.g. "30s"),
	// checking for cancellation. Useful for exercising timeouts and
	// block strategies from the scheduler UI.
	registry.Register("sleep", job.KindAsync, func(ctx context.Context) (string, error) {
		tc, _ := job.FromContext(ctx)
		d, err := time.ParseDuration(strings.TrimSpace(tc.Params()))
		if err != nil {
			return "", fmt.Errorf("sleep wants a duration parameter: %w", err)
		}
		select {
		case <-time.After(d):
			return fmt.Sprintf("slept %s", d), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, false)
}
