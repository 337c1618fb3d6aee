// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package config loads process configuration in three layers: struct
// defaults, an optional YAML file, then TICKFLOW_-prefixed environment
// variables (highest priority). The loaded Config is immutable and safe
// for concurrent reads; components receive the sub-structs they need by
// value at construction time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tickflow/config.yaml",
	"/etc/tickflow/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "TICKFLOW_CONFIG"

// EnvPrefix is the prefix for environment overrides. Nested keys use a
// double underscore: TICKFLOW_TUSHARE__TOKEN -> tushare.token.
const EnvPrefix = "TICKFLOW_"

// Config is the process configuration.
type Config struct {
	Tushare    TushareConfig    `koanf:"tushare"`
	Database   DatabaseConfig   `koanf:"database"`
	Download   DownloadConfig   `koanf:"download"`
	Buffer     BufferConfig     `koanf:"buffer"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Export     ExportConfig     `koanf:"export"`
	DeadLetter DeadLetterConfig `koanf:"dead_letter"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// TushareConfig configures the API client.
type TushareConfig struct {
	Token            string        `koanf:"token" validate:"required"`
	Endpoint         string        `koanf:"endpoint" validate:"required,url"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	BreakerThreshold uint32        `koanf:"breaker_threshold" validate:"gt=0"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
	MaxMemory string `koanf:"max_memory" validate:"required"`
}

// DownloadConfig configures the worker pool and retry policy.
type DownloadConfig struct {
	MaxWorkers        int           `koanf:"max_workers" validate:"gt=0,lte=64"`
	MaxRetries        int           `koanf:"max_retries" validate:"gte=0"`
	PollTimeout       time.Duration `koanf:"poll_timeout" validate:"gt=0"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay" validate:"gt=0"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay" validate:"gt=0"`
}

// BufferConfig configures the data buffer pool.
type BufferConfig struct {
	MaxItems      int           `koanf:"max_items" validate:"gt=0"`
	MaxMemoryMB   int           `koanf:"max_memory_mb" validate:"gt=0"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`
	AutoFlush     bool          `koanf:"auto_flush"`
	FlushTimeout  time.Duration `koanf:"flush_timeout" validate:"gt=0"`
}

// RateLimitConfig configures per-task-type request budgets.
type RateLimitConfig struct {
	DefaultPerMinute int            `koanf:"default_per_minute" validate:"gt=0"`
	Overrides        map[string]int `koanf:"overrides"`
	MaxWait          time.Duration  `koanf:"max_wait" validate:"gt=0"`
}

// ExportConfig configures the parquet metadata sync.
type ExportConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Dir             string        `koanf:"dir"`
	PartitionByYear bool          `koanf:"partition_by_year"`
	Interval        time.Duration `koanf:"interval" validate:"gt=0"`
}

// DeadLetterConfig configures the failed-fetch ledger.
type DeadLetterConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

// LoggingConfig configures the zerolog facade.
type LoggingConfig struct {
	Level          string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format         string `koanf:"format" validate:"oneof=json console"`
	Caller         bool   `koanf:"caller"`
	File           string `koanf:"file"`
	FileMaxSizeMB  int    `koanf:"file_max_size_mb" validate:"gte=0"`
	FileMaxBackups int    `koanf:"file_max_backups" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// defaultConfig returns the base layer of defaults.
func defaultConfig() *Config {
	return &Config{
		Tushare: TushareConfig{
			Endpoint:         "http://api.tushare.pro",
			Timeout:          30 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "data/tickflow.duckdb",
			Threads:   0, // 0 = runtime.NumCPU()
			MaxMemory: "1GB",
		},
		Download: DownloadConfig{
			MaxWorkers:        4,
			MaxRetries:        3,
			PollTimeout:       500 * time.Millisecond,
			RetryInitialDelay: time.Second,
			RetryMaxDelay:     30 * time.Second,
		},
		Buffer: BufferConfig{
			MaxItems:      100,
			MaxMemoryMB:   50,
			FlushInterval: 30 * time.Second,
			AutoFlush:     true,
			FlushTimeout:  60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			DefaultPerMinute: 190,
			MaxWait:          2 * time.Minute,
		},
		Export: ExportConfig{
			Enabled:         false,
			Dir:             "data/parquet",
			PartitionByYear: true,
			Interval:        time.Hour,
		},
		DeadLetter: DeadLetterConfig{
			Dir: "data",
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			FileMaxSizeMB:  100,
			FileMaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9109",
		},
	}
}

// Load builds the configuration from defaults, the first config file found
// (or TICKFLOW_CONFIG), and TICKFLOW_ environment overrides, then
// validates it.
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

	envProvider := env.Provider(EnvPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// envTransform maps TICKFLOW_TUSHARE__TOKEN to tushare.token: strip the
// prefix, lowercase, and treat a double underscore as the nesting point so
// multi-word keys like rate_limit survive.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
