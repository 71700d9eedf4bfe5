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
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the sqlite log backend.
type SQLiteConfig struct {
	// Path is the filesystem path to the database file. The special
	// value ":memory:" creates an in-memory database.
	Path string

	// TailLines caps lines per page read. Default DefaultTailLines.
	TailLines int

	// Retention is how long records are kept. Default 14 days.
	Retention time.Duration

	// Logger is the executor's process logger.
	Logger *slog.Logger
}

// SQLite stores task log lines in a single sqlite database.
type SQLite struct {
	db        *sql.DB
	tailLines int
	retention time.Duration
	logger    *slog.Logger
}

// NewSQLite opens (or creates) the database and runs migrations.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode lets the scheduler's page reads run concurrently with
	// invocation writes.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 14 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &SQLite{
		db:        db,
		tailLines: cfg.TailLines,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL,
			log_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			line TEXT NOT NULL
		)`,
		// Page reads filter by log_id and walk in insertion order.
		`CREATE INDEX IF NOT EXISTS idx_task_logs_log_id ON task_logs(log_id, id)`,
		// Expiry sweeps by timestamp.
		`CREATE INDEX IF NOT EXISTS idx_task_logs_ts ON task_logs(ts_ms)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

type sqliteAppender struct {
	db    *sql.DB
	jobID int64
	logID int64
}

func (a *sqliteAppender) append(level string, ts time.Time, line string) error {
	_, err := a.db.ExecContext(context.Background(),
		`INSERT INTO task_logs (job_id, log_id, level, ts_ms, line) VALUES (?, ?, ?, ?, ?)`,
		a.jobID, a.logID, level, ts.UnixMilli(), line,
	)
	return err
}

func (a *sqliteAppender) close() error { return nil }

// Open returns a logger writing rows tagged (jobID, logID).
func (s *SQLite) Open(jobID, logID int64) (*Logger, error) {
	return newLogger(jobID, logID, &sqliteAppender{db: s.db, jobID: jobID, logID: logID}, s.logger), nil
}

// ReadPage returns one window of lines for a logId.
func (s *SQLite) ReadPage(ctx context.Context, req PageRequest) (Page, error) {
	page := Page{FromLine: req.FromLine, ToLine: req.FromLine, End: true}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_logs WHERE log_id = ?`, req.LogID,
	).Scan(&total); err != nil {
		return page, fmt.Errorf("count task logs: %w", err)
	}
	if total == 0 {
		page.Content = NoSuchLogs
		return page, nil
	}
	if req.FromLine > total {
		return page, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM task_logs WHERE log_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		req.LogID, s.tailLines, req.FromLine-1,
	)
	if err != nil {
		return page, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var sb strings.Builder
	count := 0
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return page, err
		}
		sb.WriteString(line)
		count++
	}
	if err := rows.Err(); err != nil {
		return page, err
	}

	page.Content = sb.String()
	page.ToLine = req.FromLine + count - 1
	page.End = page.ToLine >= total
	return page, nil
}

// ReadAll returns the full transcript for a logId.
func (s *SQLite) ReadAll(ctx context.Context, jobID, logID int64) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM task_logs WHERE log_id = ? ORDER BY id`, logID,
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var sb strings.Builder
	found := false
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", err
		}
		sb.WriteString(line)
		found = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	return sb.String(), nil
}

// ExpireOnce deletes rows older than the retention window.
func (s *SQLite) ExpireOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_logs WHERE ts_ms <= ?`, cutoff)
	if err != nil {
		return fmt.Errorf("delete expired task logs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("expired task logs", slog.Int64("count", n))
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }
