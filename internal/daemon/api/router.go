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

// Package api provides the HTTP surface the scheduler calls into:
// heartbeats, run requests, kill requests and task log paging.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/taskd/internal/admin"
	"github.com/tombee/taskd/internal/daemon/httputil"
	"github.com/tombee/taskd/internal/job"
	"github.com/tombee/taskd/internal/joblog"
	"github.com/tombee/taskd/internal/log"
)

// Dispatcher is the slice of the dispatch engine the API needs.
type Dispatcher interface {
	Submit(data job.RunData) (string, error)
	Cancel(ctx context.Context, jobID int64, includeQueue bool) bool
	Busy(jobID int64) bool
}

// LogReader pages task logs for the scheduler's log viewer.
type LogReader interface {
	ReadPage(ctx context.Context, req joblog.PageRequest) (joblog.Page, error)
}

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	// AccessToken, when set, is required on every scheduler request.
	AccessToken string

	Dispatcher Dispatcher
	Logs       LogReader
	Logger     *slog.Logger
}

// Router wraps an http.ServeMux with the executor protocol endpoints.
type Router struct {
	mux        *http.ServeMux
	token      string
	dispatcher Dispatcher
	logs       LogReader
	logger     *slog.Logger
}

// NewRouter creates a router with all protocol endpoints registered.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:        http.NewServeMux(),
		token:      cfg.AccessToken,
		dispatcher: cfg.Dispatcher,
		logs:       cfg.Logs,
		logger:     log.WithComponent(logger, "api"),
	}

	r.mux.HandleFunc("POST /beat", r.handleBeat)
	r.mux.HandleFunc("POST /idleBeat", r.handleIdleBeat)
	r.mux.HandleFunc("POST /run", r.handleRun)
	r.mux.HandleFunc("POST /kill", r.handleKill)
	r.mux.HandleFunc("POST /log", r.handleLog)

	r.mux.Handle("GET /metrics", promhttp.Handler())

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestID := uuid.NewString()
	logger := log.WithRequestID(r.logger, requestID)

	if !r.authorized(req) {
		logger.Warn("request rejected: access token mismatch",
			slog.String("path", req.URL.Path),
			slog.String("remote", req.RemoteAddr),
		)
		httputil.WriteReply(w, httputil.Fail("The access token is wrong."))
		return
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	logger.Debug("request handled",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
	)
}

// authorized checks the shared-secret header. The metrics endpoint is
// scraped locally and stays open.
func (r *Router) authorized(req *http.Request) bool {
	if r.token == "" || req.URL.Path == "/metrics" {
		return true
	}
	return req.Header.Get(admin.AccessTokenHeader) == r.token
}
