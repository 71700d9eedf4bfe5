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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tombee/taskd/internal/daemon/httputil"
	"github.com/tombee/taskd/internal/job"
	"github.com/tombee/taskd/internal/joblog"
	"github.com/tombee/taskd/internal/log"
)

type jobIDParam struct {
	JobID int64 `json:"jobId"`
}

type logParam struct {
	LogDateTime int64 `json:"logDateTim"`
	LogID       int64 `json:"logId"`
	FromLine    int   `json:"fromLineNum"`
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("empty request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// handleBeat answers the scheduler's liveness probe.
func (rt *Router) handleBeat(w http.ResponseWriter, r *http.Request) {
	httputil.WriteReply(w, httputil.OK())
}

// handleIdleBeat reports whether a job is idle on this executor. The
// scheduler uses it for busy-over routing: a failure reply sends the
// run elsewhere.
func (rt *Router) handleIdleBeat(w http.ResponseWriter, r *http.Request) {
	var p jobIDParam
	if err := decode(r, &p); err != nil {
		httputil.WriteReply(w, httputil.Fail(fmt.Sprintf("bad idleBeat request: %v", err)))
		return
	}
	if rt.dispatcher.Busy(p.JobID) {
		httputil.WriteReply(w, httputil.Fail(fmt.Sprintf("job %d is running.", p.JobID)))
		return
	}
	httputil.WriteReply(w, httputil.OK())
}

// handleRun accepts one run request and hands it to the dispatch
// engine. Rejections come back as protocol failures, never as HTTP
// errors: the scheduler records the message against the trigger.
func (rt *Router) handleRun(w http.ResponseWriter, r *http.Request) {
	var data job.RunData
	if err := decode(r, &data); err != nil {
		httputil.WriteReply(w, httputil.Fail(fmt.Sprintf("bad run request: %v", err)))
		return
	}

	status, err := rt.dispatcher.Submit(data)
	if err != nil {
		rt.logger.Warn("run request rejected",
			log.Error(err),
			"job_id", data.JobID,
			"log_id", data.LogID,
		)
		httputil.WriteReply(w, httputil.Fail(err.Error()))
		return
	}
	httputil.WriteReply(w, httputil.OKMsg(status))
}

// handleKill cancels a job's running invocation and discards its
// queue. Killing an idle job succeeds: the desired state already
// holds.
func (rt *Router) handleKill(w http.ResponseWriter, r *http.Request) {
	var p jobIDParam
	if err := decode(r, &p); err != nil {
		httputil.WriteReply(w, httputil.Fail(fmt.Sprintf("bad kill request: %v", err)))
		return
	}
	rt.dispatcher.Cancel(r.Context(), p.JobID, true)
	httputil.WriteReply(w, httputil.OK())
}

// handleLog returns one page of a task's log. An unknown logId is a
// success reply with a marker line, matching what the scheduler's log
// viewer expects.
func (rt *Router) handleLog(w http.ResponseWriter, r *http.Request) {
	var p logParam
	if err := decode(r, &p); err != nil {
		httputil.WriteReply(w, httputil.Fail(fmt.Sprintf("bad log request: %v", err)))
		return
	}

	page, err := rt.logs.ReadPage(r.Context(), joblog.PageRequest{
		LogID:    p.LogID,
		FromLine: p.FromLine,
	})
	if err != nil && !errors.Is(err, joblog.ErrNotFound) {
		rt.logger.Error("task log read failed", log.Error(err), "log_id", p.LogID)
		httputil.WriteReply(w, httputil.Fail(fmt.Sprintf("read log %d: %v", p.LogID, err)))
		return
	}
	httputil.WriteReply(w, httputil.OKContent(page))
}
