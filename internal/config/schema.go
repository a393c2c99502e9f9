// Package config provides configuration loading and validation for nexq.
// It supports TOML configuration files with environment variable expansion,
// NEXQ_* environment overrides, default values, and validation.
//
// Configuration structure:
//   - [store]: Persistence backend (sqlite, postgres, memory)
//   - [[queues]]: One worker pool per queue
//   - [retry]: Retry policy and manual retry budget
//   - [scheduler]: Recurring schedule polling
//   - [janitor]: Delayed promotion, abandoned claim recovery, retention
//   - [notify]: Wake-up notifications (none, local, redis)
//   - [http]: Admin HTTP surface
//   - [logging]: Logging level, format, and output
//
// Environment variables:
// String values can reference environment variables using ${VAR} or
// ${VAR:default} syntax. For example: dsn = "${DATABASE_URL:postgres://localhost/nexq}"
package config

import (
	"fmt"
	"time"
)

// Config represents the main application configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Queues    []QueueConfig   `toml:"queues"`
	Retry     RetryConfig     `toml:"retry"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Janitor   JanitorConfig   `toml:"janitor"`
	Notify    NotifyConfig    `toml:"notify"`
	HTTP      HTTPConfig      `toml:"http"`
	Logging   LoggingConfig   `toml:"logging"`
}

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// StoreConfig selects and tunes the job store.
type StoreConfig struct {
	Driver       string   `toml:"driver"`
	Path         string   `toml:"path"` // sqlite database file
	DSN          string   `toml:"dsn"`  // postgres connection string
	BusyTimeout  Duration `toml:"busy_timeout"`
	MaxConns     int32    `toml:"max_conns"` // postgres pool size, sqlite reader pool size
	MinConns     int32    `toml:"min_conns"`
	OpenAttempts int      `toml:"open_attempts"`
}

// QueueConfig describes the worker pool of one queue.
type QueueConfig struct {
	Name            string   `toml:"name"`
	Concurrency     int      `toml:"concurrency"`
	Types           []string `toml:"types"`
	DefaultTimeout  Duration `toml:"default_timeout"`
	PollInterval    Duration `toml:"poll_interval"`
	MaxPollInterval Duration `toml:"max_poll_interval"`
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxAttempts       int      `toml:"max_attempts"`
	InitialBackoff    Duration `toml:"initial_backoff"`
	MaxBackoff        Duration `toml:"max_backoff"`
	Jitter            float64  `toml:"jitter"`
	ManualRetryBudget int      `toml:"manual_retry_budget"`
}

// SchedulerConfig configures the schedule poller.
type SchedulerConfig struct {
	Enabled      bool     `toml:"enabled"`
	PollInterval Duration `toml:"poll_interval"`
}

// JanitorConfig configures periodic maintenance.
type JanitorConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  Duration `toml:"interval"`
	Grace     Duration `toml:"grace"`
	Retention Duration `toml:"retention"` // 0 keeps terminal jobs forever
}

// Notify drivers.
const (
	NotifyNone  = "none"
	NotifyLocal = "local"
	NotifyRedis = "redis"
)

// NotifyConfig selects the wake-up notifier.
type NotifyConfig struct {
	Driver string      `toml:"driver"`
	Redis  RedisConfig `toml:"redis"`
}

// RedisConfig configures the redis notifier.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	ChannelPrefix string `toml:"channel_prefix"`
}

// HTTPConfig configures the admin HTTP server.
type HTTPConfig struct {
	Enabled         bool     `toml:"enabled"`
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
