// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

// Package config loads layered configuration for the analytics pipeline:
// built-in defaults, an optional YAML file, then AGORA_* environment
// variable overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for analyticsd.
type Config struct {
	Cache     CacheConfig     `koanf:"cache"`
	Database  DatabaseConfig  `koanf:"database"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Worker    WorkerConfig    `koanf:"worker"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// CacheConfig configures the resilient Redis connection.
type CacheConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`

	// MaxAttempts is the bounded retry budget for the initial connect.
	MaxAttempts int `koanf:"max_attempts"`

	// BaseDelay seeds the exponential backoff: BaseDelay * 2^(attempt-1).
	BaseDelay time.Duration `koanf:"base_delay"`

	// HealthCheckInterval is how often the connection pings the server.
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
}

// DatabaseConfig configures the DuckDB durable store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. Empty means in-memory.
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB's memory usage, e.g. "2GB".
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB worker thread count. 0 = NumCPU.
	Threads int `koanf:"threads"`
}

// SchedulerConfig configures the batch scheduler's standing jobs.
// Cron expressions use the standard 5-field syntax.
type SchedulerConfig struct {
	DailySpec   string `koanf:"daily_spec"`
	WeeklySpec  string `koanf:"weekly_spec"`
	MonthlySpec string `koanf:"monthly_spec"`
	CleanupSpec string `koanf:"cleanup_spec"`

	// RetentionDays is how long aggregation windows are kept.
	RetentionDays int `koanf:"retention_days"`
}

// WorkerConfig configures the worker supervisor tree.
type WorkerConfig struct {
	// FailureThreshold is the number of failures before backoff.
	FailureThreshold float64 `koanf:"failure_threshold"`

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64 `koanf:"failure_decay"`

	// FailureBackoff is the pause once the threshold is exceeded.
	FailureBackoff time.Duration `koanf:"failure_backoff"`

	// ShutdownTimeout bounds graceful shutdown of a worker.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// MailboxSize is the per-worker task queue capacity.
	MailboxSize int `koanf:"mailbox_size"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Cache.MaxAttempts < 1 {
		return fmt.Errorf("cache.max_attempts must be >= 1, got %d", c.Cache.MaxAttempts)
	}
	if c.Cache.BaseDelay <= 0 {
		return fmt.Errorf("cache.base_delay must be positive, got %v", c.Cache.BaseDelay)
	}
	if c.Scheduler.RetentionDays < 1 {
		return fmt.Errorf("scheduler.retention_days must be >= 1, got %d", c.Scheduler.RetentionDays)
	}
	if c.Worker.MailboxSize < 1 {
		return fmt.Errorf("worker.mailbox_size must be >= 1, got %d", c.Worker.MailboxSize)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
