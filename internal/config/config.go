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

// Package config loads the sidecar daemon configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/taskhub/internal/tracing"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete sidecar configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Backend  BackendConfig  `yaml:"backend"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Log      LogConfig      `yaml:"log"`
	Tracing  tracing.Config `yaml:"tracing"`
}

// ListenConfig configures the gRPC listener.
type ListenConfig struct {
	// Addr is the TCP address the gRPC server binds, e.g. "localhost:4001".
	// Environment: TASKHUB_LISTEN_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled activates the /metrics HTTP listener.
	Enabled bool `yaml:"enabled"`

	// Addr is the TCP address the metrics server binds, e.g. "localhost:4002".
	// Environment: TASKHUB_METRICS_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// BackendConfig selects and configures the orchestration storage backend.
type BackendConfig struct {
	// Type is the backend type: "memory" or "sqlite".
	// Environment: TASKHUB_BACKEND
	Type string `yaml:"type,omitempty"`

	// SQLite contains sqlite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SQLiteConfig contains sqlite backend settings.
type SQLiteConfig struct {
	// Path is the database file path.
	// Environment: TASKHUB_SQLITE_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead-log journaling.
	WAL bool `yaml:"wal"`

	// LockTimeout is the work-item lease duration.
	LockTimeout time.Duration `yaml:"lock_timeout,omitempty"`
}

// DispatchConfig tunes the dispatcher core.
type DispatchConfig struct {
	// HistoryEmbedThresholdBytes is the serialized past-events size above
	// which history is streamed to capable workers instead of embedded.
	HistoryEmbedThresholdBytes int `yaml:"history_embed_threshold_bytes,omitempty"`

	// StopGracePeriod bounds the in-flight drain on shutdown.
	// Environment: TASKHUB_STOP_GRACE_PERIOD
	StopGracePeriod time.Duration `yaml:"stop_grace_period,omitempty"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: "localhost:4001",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "localhost:4002",
		},
		Backend: BackendConfig{
			Type: "memory",
			SQLite: SQLiteConfig{
				Path: "taskhub.db",
			},
		},
		Dispatch: DispatchConfig{
			HistoryEmbedThresholdBytes: 1024,
			StopGracePeriod:            time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: tracing.Config{
			Exporter:    "otlp",
			ServiceName: "taskhub",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment-variable overrides, then validates it.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values so minimal config files work without
// specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Listen.Addr == "" {
		c.Listen.Addr = defaults.Listen.Addr
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaults.Metrics.Addr
	}
	if c.Backend.Type == "" {
		c.Backend.Type = defaults.Backend.Type
	}
	if c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = defaults.Backend.SQLite.Path
	}
	if c.Dispatch.HistoryEmbedThresholdBytes == 0 {
		c.Dispatch.HistoryEmbedThresholdBytes = defaults.Dispatch.HistoryEmbedThresholdBytes
	}
	if c.Dispatch.StopGracePeriod == 0 {
		c.Dispatch.StopGracePeriod = defaults.Dispatch.StopGracePeriod
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("TASKHUB_LISTEN_ADDR"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("TASKHUB_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("TASKHUB_BACKEND"); v != "" {
		c.Backend.Type = strings.ToLower(v)
	}
	if v := os.Getenv("TASKHUB_SQLITE_PATH"); v != "" {
		c.Backend.SQLite.Path = v
	}
	if v := os.Getenv("TASKHUB_STOP_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatch.StopGracePeriod = d
		}
	}
	if v := os.Getenv("TASKHUB_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TASKHUB_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("TASKHUB_TRACING_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("%w: listen.addr is required", ErrInvalidConfig)
	}
	switch c.Backend.Type {
	case "memory":
	case "sqlite":
		if c.Backend.SQLite.Path == "" {
			return fmt.Errorf("%w: backend.sqlite.path is required for the sqlite backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, c.Backend.Type)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrInvalidConfig)
	}
	if c.Dispatch.HistoryEmbedThresholdBytes < 0 {
		return fmt.Errorf("%w: dispatch.history_embed_threshold_bytes must not be negative", ErrInvalidConfig)
	}
	if c.Dispatch.StopGracePeriod < 0 {
		return fmt.Errorf("%w: dispatch.stop_grace_period must not be negative", ErrInvalidConfig)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout":
		default:
			return fmt.Errorf("%w: unknown tracing exporter %q", ErrInvalidConfig, c.Tracing.Exporter)
		}
	}
	return nil
}
