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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the redis log backend.
type RedisConfig struct {
	// URL is a redis connection URL (redis://host:port/db).
	URL string

	// App namespaces keys so multiple executors can share one redis.
	App string

	// TailLines caps lines per page read. Default DefaultTailLines.
	TailLines int

	// Retention becomes the key TTL. Default 14 days.
	Retention time.Duration

	// Logger is the executor's process logger.
	Logger *slog.Logger
}

// Redis stores each invocation's log as a redis list, one line per
// element, with a TTL on the key.
type Redis struct {
	client    *redis.Client
	app       string
	tailLines int
	retention time.Duration
	logger    *slog.Logger
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
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
	if cfg.App == "" {
		cfg.App = "taskd"
	}

	return &Redis{
		client:    client,
		app:       cfg.App,
		tailLines: cfg.TailLines,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}, nil
}

func (r *Redis) key(logID int64) string {
	return fmt.Sprintf("taskd:log:%s:%d", r.app, logID)
}

type redisAppender struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func (a *redisAppender) append(level string, ts time.Time, line string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := a.client.Pipeline()
	pipe.RPush(ctx, a.key, line)
	pipe.Expire(ctx, a.key, a.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (a *redisAppender) close() error { return nil }

// Open returns a logger appending to the logId's list.
func (r *Redis) Open(jobID, logID int64) (*Logger, error) {
	app := &redisAppender{client: r.client, key: r.key(logID), ttl: r.retention}
	return newLogger(jobID, logID, app, r.logger), nil
}

// ReadPage returns one window of lines from the logId's list.
func (r *Redis) ReadPage(ctx context.Context, req PageRequest) (Page, error) {
	page := Page{FromLine: req.FromLine, ToLine: req.FromLine, End: true}
	key := r.key(req.LogID)

	total, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return page, fmt.Errorf("llen %s: %w", key, err)
	}
	if total == 0 {
		page.Content = NoSuchLogs
		return page, nil
	}
	if int64(req.FromLine) > total {
		return page, nil
	}

	start := int64(req.FromLine - 1)
	stop := start + int64(r.tailLines) - 1
	lines, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return page, fmt.Errorf("lrange %s: %w", key, err)
	}

	page.Content = strings.Join(lines, "")
	page.ToLine = req.FromLine + len(lines) - 1
	page.End = int64(page.ToLine) >= total
	return page, nil
}

// ReadAll returns the full transcript for a logId.
func (r *Redis) ReadAll(ctx context.Context, jobID, logID int64) (string, error) {
	lines, err := r.client.LRange(ctx, r.key(logID), 0, -1).Result()
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", ErrNotFound
	}
	return strings.Join(lines, ""), nil
}

// ExpireOnce is a no-op: redis expires keys natively via TTL.
func (r *Redis) ExpireOnce(ctx context.Context) error { return nil }

// Close closes the redis client.
func (r *Redis) Close() error { return r.client.Close() }
