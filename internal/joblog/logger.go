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

package joblog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const lineTimeFormat = "2006-01-02 15:04:05.000"

// appender is the backend-specific write half of a scoped logger.
type appender interface {
	append(level string, ts time.Time, line string) error
	close() error
}

// Logger is a per-invocation scoped logger. Records carry level,
// millisecond timestamps and the originating logId tag, and are emitted
// in program order. Write failures are reported to the executor's own
// logger and dropped; they never fail the invocation.
type Logger struct {
	jobID int64
	logID int64

	mu     sync.Mutex
	app    appender
	closed bool

	// echo mirrors records to the process logger at debug level so task
	// output shows up in the executor's own logs during development.
	echo *slog.Logger
}

func newLogger(jobID, logID int64, app appender, echo *slog.Logger) *Logger {
	return &Logger{jobID: jobID, logID: logID, app: app, echo: echo}
}

// Nop returns a logger that discards records. Used when a sink fails to
// open so the invocation can still run.
func Nop(jobID, logID int64) *Logger {
	return &Logger{jobID: jobID, logID: logID}
}

// JobID returns the job this logger is scoped to.
func (l *Logger) JobID() int64 { return l.jobID }

// LogID returns the invocation this logger is scoped to.
func (l *Logger) LogID() int64 { return l.logID }

func (l *Logger) emit(level, msg string) {
	ts := time.Now()
	line := fmt.Sprintf("%s %s [%d] %s\n", ts.Format(lineTimeFormat), level, l.logID, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.app == nil {
		return
	}
	if err := l.app.append(level, ts, line); err != nil && l.echo != nil {
		l.echo.Warn("task log write failed",
			slog.Int64("log_id", l.logID),
			slog.Any("error", err),
		)
		return
	}
	if l.echo != nil {
		l.echo.Debug(msg, slog.Int64("log_id", l.logID), slog.String("task_level", level))
	}
}

// Info records an info-level line.
func (l *Logger) Info(msg string) { l.emit("INFO", msg) }

// Infof records a formatted info-level line.
func (l *Logger) Infof(format string, args ...any) { l.emit("INFO", fmt.Sprintf(format, args...)) }

// Warn records a warn-level line.
func (l *Logger) Warn(msg string) { l.emit("WARN", msg) }

// Warnf records a formatted warn-level line.
func (l *Logger) Warnf(format string, args ...any) { l.emit("WARN", fmt.Sprintf(format, args...)) }

// Error records an error-level line.
func (l *Logger) Error(msg string) { l.emit("ERROR", msg) }

// Errorf records a formatted error-level line.
func (l *Logger) Errorf(format string, args ...any) { l.emit("ERROR", fmt.Sprintf(format, args...)) }

// Debug records a debug-level line.
func (l *Logger) Debug(msg string) { l.emit("DEBUG", msg) }

// Close releases backend resources. Safe to call more than once; writes
// after Close are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.app == nil {
		return nil
	}
	return l.app.close()
}
