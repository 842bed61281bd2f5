// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/agora/analytics.yaml",
	"/etc/agora/analytics.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "AGORA_CONFIG_PATH"

// envPrefix namespaces environment overrides: AGORA_CACHE_ADDR -> cache.addr.
const envPrefix = "AGORA_"

// defaultConfig returns a Config with all defaults applied.
// The cron specs mirror the scheduler's standing jobs: daily aggregation
// at 02:00, weekly Sunday 03:00, monthly on the 1st at 04:00, retention
// cleanup at 01:00.
func defaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Addr:                "localhost:6379",
			Password:            "",
			DB:                  0,
			MaxAttempts:         5,
			BaseDelay:           time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/agora-analytics.duckdb",
			MaxMemory: "2GB",
			Threads:   0,
		},
		Scheduler: SchedulerConfig{
			DailySpec:     "0 2 * * *",
			WeeklySpec:    "0 3 * * 0",
			MonthlySpec:   "0 4 1 * *",
			CleanupSpec:   "0 1 * * *",
			RetentionDays: 30,
		},
		Worker: WorkerConfig{
			FailureThreshold: 5.0,
			FailureDecay:     30.0,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			MailboxSize:      256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in increasing precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// AGORA_CACHE_MAX_ATTEMPTS -> cache.max_attempts. Section names are
	// single words, so only the first underscore becomes a separator.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(s, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
