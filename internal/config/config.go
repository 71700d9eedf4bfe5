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

// Package config provides executor configuration: defaults, YAML file
// loading, and environment variable overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Log backend identifiers.
const (
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// LogSinkConfig configures the task log sink backend.
type LogSinkConfig struct {
	// Backend selects the storage backend: disk, sqlite or redis.
	Backend string `yaml:"backend"`

	// Dir is the directory for disk log files and the sqlite database.
	Dir string `yaml:"dir"`

	// RedisURL is the redis connection URL (redis://host:port/db).
	RedisURL string `yaml:"redis_url"`

	// RetentionDays is how long task logs are kept before expiry.
	RetentionDays float64 `yaml:"retention_days"`

	// TailLines caps the number of lines returned per /log page.
	TailLines int `yaml:"tail_lines"`

	// ExpireInterval is how often the expiry sweep runs.
	ExpireInterval time.Duration `yaml:"expire_interval"`
}

// Config holds the executor configuration.
type Config struct {
	// AdminBaseURL is the scheduler's API base URL. It must start with
	// http(s) and end with a trailing slash, e.g.
	// http://localhost:8080/xxl-job-admin/api/
	AdminBaseURL string `yaml:"admin_base_url"`

	// AppName is the executor name registered with the scheduler. It must
	// match the executor AppName configured on the admin side.
	AppName string `yaml:"app_name"`

	// AccessToken is sent in the XXL-JOB-ACCESS-TOKEN header when set.
	AccessToken string `yaml:"access_token"`

	// AdvertiseURL is the address the scheduler calls back to reach this
	// executor. Defaults to http://<first-non-loopback-ip>:<listen_port>.
	AdvertiseURL string `yaml:"advertise_url"`

	// ListenHost and ListenPort are the actual bind address, which may
	// differ from the advertised one.
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	// MaxWorkers sizes the pool used for blocking handlers.
	MaxWorkers int `yaml:"max_workers"`

	// TaskTimeout is the default per-task timeout, used when the
	// scheduler does not supply executorTimeout.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// TaskQueueLength caps the per-job pending queue for serial execution.
	TaskQueueLength int `yaml:"task_queue_length"`

	// GracefulClose drains running and queued tasks on shutdown instead
	// of cancelling them immediately.
	GracefulClose   bool          `yaml:"graceful_close"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// RegisterInterval is the heartbeat interval for scheduler registry
	// announcements. The admin treats a missed heartbeat as offline.
	RegisterInterval time.Duration `yaml:"register_interval"`

	// CallbackRate caps outbound result callbacks per second so a burst
	// of short tasks cannot hammer the admin. Zero disables limiting.
	CallbackRate float64 `yaml:"callback_rate"`

	// Log configures the task log sink.
	Log LogSinkConfig `yaml:"log"`

	// Debug raises process log verbosity.
	Debug bool `yaml:"debug"`
}

// Default returns a configuration with sensible defaults. AdminBaseURL
// and AppName have no defaults and must be supplied.
func Default() *Config {
	return &Config{
		ListenHost:       "0.0.0.0",
		ListenPort:       9999,
		MaxWorkers:       30,
		TaskTimeout:      10 * time.Minute,
		TaskQueueLength:  30,
		GracefulClose:    false,
		GracefulTimeout:  5 * time.Minute,
		RegisterInterval: 10 * time.Second,
		Log: LogSinkConfig{
			Backend:        BackendDisk,
			Dir:            "./taskd-logs",
			RetentionDays:  14,
			TailLines:      1000,
			ExpireInterval: time.Hour,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment overrides, in that order of precedence (lowest first).
func Load(path string) (*Config, error) {
	return LoadWith(path, nil)
}

// LoadWith is Load with a final override hook, applied after file and
// environment values but before validation. The CLI uses it for flag
// overrides.
func LoadWith(path string, override func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if override != nil {
		override(cfg)
	}

	if cfg.AdvertiseURL == "" {
		cfg.AdvertiseURL = fmt.Sprintf("http://%s:%d", localIP(), cfg.ListenPort)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from TASKD_-prefixed environment
// variables. Malformed values are ignored.
func (c *Config) applyEnv() {
	if v := os.Getenv("TASKD_ADMIN_BASE_URL"); v != "" {
		c.AdminBaseURL = v
	}
	if v := os.Getenv("TASKD_APP_NAME"); v != "" {
		c.AppName = v
	}
	if v := os.Getenv("TASKD_ACCESS_TOKEN"); v != "" {
		c.AccessToken = v
	}
	if v := os.Getenv("TASKD_ADVERTISE_URL"); v != "" {
		c.AdvertiseURL = v
	}
	if v := os.Getenv("TASKD_LISTEN_HOST"); v != "" {
		c.ListenHost = v
	}
	if v := os.Getenv("TASKD_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.ListenPort = port
		}
	}
	if v := os.Getenv("TASKD_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxWorkers = n
		}
	}
	if v := os.Getenv("TASKD_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TaskTimeout = d
		}
	}
	if v := os.Getenv("TASKD_TASK_QUEUE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TaskQueueLength = n
		}
	}
	if v := os.Getenv("TASKD_GRACEFUL_CLOSE"); v != "" {
		c.GracefulClose = v == "true" || v == "1"
	}
	if v := os.Getenv("TASKD_CALLBACK_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.CallbackRate = rate
		}
	}
	if v := os.Getenv("TASKD_LOG_BACKEND"); v != "" {
		c.Log.Backend = v
	}
	if v := os.Getenv("TASKD_LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("TASKD_REDIS_URL"); v != "" {
		c.Log.RedisURL = v
	}
	if v := os.Getenv("TASKD_DEBUG"); v != "" {
		c.Debug = v == "true" || v == "1"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if c.AdminBaseURL == "" {
		return fmt.Errorf("admin_base_url is required")
	}
	if !strings.HasPrefix(c.AdminBaseURL, "http://") && !strings.HasPrefix(c.AdminBaseURL, "https://") {
		return fmt.Errorf("admin_base_url must start with http:// or https://")
	}
	if !strings.HasSuffix(c.AdminBaseURL, "/") {
		return fmt.Errorf("admin_base_url must end with a trailing slash, e.g. http://localhost:8080/xxl-job-admin/api/")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive")
	}
	if c.TaskQueueLength <= 0 {
		return fmt.Errorf("task_queue_length must be positive")
	}
	if c.CallbackRate < 0 {
		return fmt.Errorf("callback_rate must not be negative")
	}
	switch c.Log.Backend {
	case BackendDisk, BackendSQLite:
		if c.Log.Dir == "" {
			return fmt.Errorf("log.dir is required for the %s backend", c.Log.Backend)
		}
	case BackendRedis:
		if c.Log.RedisURL == "" {
			return fmt.Errorf("log.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown log backend %q", c.Log.Backend)
	}
	return nil
}

// ListenAddr returns the host:port bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// localIP returns the first non-loopback IPv4 address, falling back to
// 127.0.0.1. Used to build the default advertise URL.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
