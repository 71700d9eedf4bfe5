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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskd_runs_started_total",
		Help: "Total task invocations started.",
	})

	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_runs_completed_total",
		Help: "Total task invocations completed, by outcome.",
	}, []string{"status"})

	submissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_submissions_rejected_total",
		Help: "Total run requests rejected before execution, by reason.",
	}, []string{"reason"})

	runningJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskd_running_jobs",
		Help: "Jobs with an invocation currently executing.",
	})

	pendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskd_pending_tasks",
		Help: "Run requests queued behind a running invocation.",
	})

	callbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskd_callback_failures_total",
		Help: "Result callbacks that failed after retries.",
	})
)

const (
	statusSuccess   = "success"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
	statusTimeout   = "timeout"
)
