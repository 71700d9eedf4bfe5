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

package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL:       srv.URL + "/",
		RetryTimes:    3,
		RetryInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestRegisterSendsWireShape(t *testing.T) {
	var got map[string]string
	var path, token string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		token = r.Header.Get(AccessTokenHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"code": 200})
	}), func(cfg *Config) {
		cfg.AccessToken = "sekret"
	})

	ok := c.Register(context.Background(), "my-app", "http://10.0.0.5:9999/")
	require.True(t, ok)
	assert.Equal(t, "/registry", path)
	assert.Equal(t, "sekret", token)
	assert.Equal(t, "EXECUTOR", got["registryGroup"])
	assert.Equal(t, "my-app", got["registryKey"])
	assert.Equal(t, "http://10.0.0.5:9999/", got["registryValue"])
}

func TestRegisterLogicalFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"code": 500, "msg": "no such app"})
	}), nil)

	ok := c.Register(context.Background(), "my-app", "http://x/")
	assert.False(t, ok)
	assert.Equal(t, int32(1), calls.Load(), "logical rejection must not retry")
}

func TestRegisterRetriesConnectionErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 200})
	}), nil)

	ok := c.Register(context.Background(), "my-app", "http://x/")
	assert.True(t, ok)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRegisterGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)

	ok := c.Register(context.Background(), "my-app", "http://x/")
	assert.False(t, ok)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnregisterSingleShot(t *testing.T) {
	var calls atomic.Int32
	var path string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		path = r.URL.Path
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)

	err := c.Unregister(context.Background(), "my-app", "http://x/")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "unregister must not retry")
	assert.Equal(t, "/registryRemove", path)
}

func TestCallbackWireShape(t *testing.T) {
	var got []map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"code": 200})
	}), nil)

	err := c.Callback(context.Background(), 42, 1700000000000, CodeFailure, "TimeoutError")
	require.NoError(t, err)

	require.Len(t, got, 1)
	item := got[0]
	assert.EqualValues(t, 42, item["logId"])
	assert.EqualValues(t, 1700000000000, item["logDateTim"])
	assert.EqualValues(t, 500, item["handleCode"])
	assert.Equal(t, "TimeoutError", item["handleMsg"])

	nested, ok := item["executeResult"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 500, nested["code"])
	assert.Equal(t, "TimeoutError", nested["msg"])
}

func TestCallbackReturnsErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), nil)

	err := c.Callback(context.Background(), 7, 0, CodeSuccess, "ok")
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallbackContextCancelled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Callback(ctx, 7, 0, CodeSuccess, "ok")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallbackRateLimiterApplies(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"code": 200})
	}), func(cfg *Config) {
		cfg.CallbackRate = 1000
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Callback(context.Background(), int64(i+1), 0, CodeSuccess, "ok"))
	}
	assert.Equal(t, int32(5), calls.Load())
}
