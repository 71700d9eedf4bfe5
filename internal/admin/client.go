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

// Package admin implements the outbound client for the scheduler's
// API: registry announcements, unregistration and result callbacks.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// AccessTokenHeader carries the shared secret, when configured.
const AccessTokenHeader = "XXL-JOB-ACCESS-TOKEN"

// Result codes understood by the scheduler.
const (
	CodeSuccess = 200
	CodeFailure = 500
)

// Config configures the admin client.
type Config struct {
	// BaseURL is the scheduler API base, ending in a slash.
	BaseURL string

	// AccessToken, when set, is sent on every request.
	AccessToken string

	// RetryTimes bounds retries on connection errors. Default 3.
	RetryTimes int

	// RetryInterval spaces connection-error retries. Default 5s.
	RetryInterval time.Duration

	// RequestTimeout bounds each HTTP attempt. Default 10s.
	RequestTimeout time.Duration

	// CallbackRate caps outbound callbacks per second. Zero disables
	// limiting. Protects the admin from bursts when many short tasks
	// finish at once.
	CallbackRate float64

	// Logger is the executor's process logger.
	Logger *slog.Logger
}

// Client talks to the scheduler. Callback and Unregister failures are
// tolerated: the dispatch engine must never stall on them.
type Client struct {
	baseURL       string
	token         string
	retryTimes    int
	retryInterval time.Duration
	http          *http.Client
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// New creates an admin client. The base URL is assumed validated by the
// config layer.
func New(cfg Config) *Client {
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.CallbackRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CallbackRate), int(cfg.CallbackRate)+1)
	}

	return &Client{
		baseURL:       cfg.BaseURL,
		token:         cfg.AccessToken,
		retryTimes:    cfg.RetryTimes,
		retryInterval: cfg.RetryInterval,
		http:          &http.Client{Timeout: cfg.RequestTimeout},
		limiter:       limiter,
		logger:        cfg.Logger,
	}
}

type registryParam struct {
	RegistryGroup string `json:"registryGroup"`
	RegistryKey   string `json:"registryKey"`
	RegistryValue string `json:"registryValue"`
}

type executeResult struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// callbackParam reports one finished invocation. Both the flat fields
// and the nested executeResult are sent for scheduler version
// compatibility.
type callbackParam struct {
	LogID         int64         `json:"logId"`
	LogDateTime   int64         `json:"logDateTim"`
	HandleCode    int           `json:"handleCode"`
	HandleMsg     string        `json:"handleMsg"`
	ExecuteResult executeResult `json:"executeResult"`
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (r response) ok() bool { return r.Code == CodeSuccess }

// Register announces this executor to the scheduler. Connection errors
// are retried; a logical rejection (non-200 code) is not. Returns
// whether the announcement was accepted.
func (c *Client) Register(ctx context.Context, key, value string) bool {
	payload := registryParam{RegistryGroup: "EXECUTOR", RegistryKey: key, RegistryValue: value}
	res, err := c.postRetry(ctx, "registry", payload)
	if err != nil {
		c.logger.Error("registry announcement failed", slog.Any("error", err))
		return false
	}
	if !res.ok() {
		c.logger.Error("registry announcement rejected", slog.String("msg", res.Msg))
		return false
	}
	c.logger.Debug("registry announcement accepted", slog.String("key", key), slog.String("value", value))
	return true
}

// Unregister removes this executor from the scheduler's registry.
// Best-effort single shot.
func (c *Client) Unregister(ctx context.Context, key, value string) error {
	payload := registryParam{RegistryGroup: "EXECUTOR", RegistryKey: key, RegistryValue: value}
	res, err := c.post(ctx, "registryRemove", payload)
	if err != nil {
		return fmt.Errorf("registryRemove: %w", err)
	}
	if !res.ok() {
		return fmt.Errorf("registryRemove rejected: %s", res.Msg)
	}
	return nil
}

// Callback reports an invocation's final status. startMS is the
// invocation start in milliseconds since epoch. Failures after bounded
// retries are returned for logging; callers must not treat them as
// fatal.
func (c *Client) Callback(ctx context.Context, logID, startMS int64, code int, msg string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	payload := []callbackParam{{
		LogID:         logID,
		LogDateTime:   startMS,
		HandleCode:    code,
		HandleMsg:     msg,
		ExecuteResult: executeResult{Code: code, Msg: msg},
	}}
	res, err := c.postRetry(ctx, "callback", payload)
	if err != nil {
		return fmt.Errorf("callback logId=%d: %w", logID, err)
	}
	if !res.ok() {
		return fmt.Errorf("callback logId=%d rejected: %s", logID, res.Msg)
	}
	return nil
}

// postRetry retries post on connection errors up to retryTimes, spaced
// by retryInterval. Logical failures (a decoded non-200 code) return
// immediately.
func (c *Client) postRetry(ctx context.Context, path string, payload any) (response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryTimes; attempt++ {
		res, err := c.post(ctx, path, payload)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return response{}, ctx.Err()
		}
		c.logger.Warn("admin request failed",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt < c.retryTimes {
			select {
			case <-ctx.Done():
				return response{}, ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return response{}, fmt.Errorf("%s failed after %d attempts: %w", path, c.retryTimes, lastErr)
}

func (c *Client) post(ctx context.Context, path string, payload any) (response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return response{}, fmt.Errorf("marshal %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(AccessTokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return response{}, fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return response{}, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}
