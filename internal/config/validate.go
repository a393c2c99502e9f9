package config

import (
	"fmt"
	"strings"

	"github.com/aatumaykin/nexq/internal/job"
)

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errors []error

	// Store
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errors = append(errors, fmt.Errorf("store.path is required when store.driver is 'sqlite'"))
		} else if c.Store.Path == ":memory:" {
			errors = append(errors, fmt.Errorf("store.path cannot be ':memory:' (use store.driver = 'memory')"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errors = append(errors, fmt.Errorf("store.dsn is required when store.driver is 'postgres'"))
		}
		if c.Store.MinConns < 0 || c.Store.MaxConns < 1 || c.Store.MinConns > c.Store.MaxConns {
			errors = append(errors, fmt.Errorf("store.min_conns/max_conns must satisfy 0 <= min <= max, max >= 1 (got %d/%d)", c.Store.MinConns, c.Store.MaxConns))
		}
	case DriverMemory:
	default:
		errors = append(errors, fmt.Errorf("invalid store.driver: %s (expected: sqlite, postgres, memory)", c.Store.Driver))
	}
	if c.Store.OpenAttempts < 1 {
		errors = append(errors, fmt.Errorf("store.open_attempts must be >= 1"))
	}

	// Queues
	if len(c.Queues) == 0 {
		errors = append(errors, fmt.Errorf("at least one [[queues]] entry is required"))
	}
	seen := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		field := fmt.Sprintf("queues[%d]", i)
		name, err := job.NormalizeName("queue", q.Name)
		if err != nil {
			errors = append(errors, fmt.Errorf("%s.name: %w", field, err))
		} else if seen[name] {
			errors = append(errors, fmt.Errorf("%s.name: duplicate queue %q", field, name))
		} else {
			seen[name] = true
		}
		if q.Concurrency < 1 {
			errors = append(errors, fmt.Errorf("%s.concurrency must be >= 1 (got %d)", field, q.Concurrency))
		}
		if q.PollInterval.Duration <= 0 || q.MaxPollInterval.Duration < q.PollInterval.Duration {
			errors = append(errors, fmt.Errorf("%s: poll_interval must be > 0 and <= max_poll_interval", field))
		}
		if q.DefaultTimeout.Duration <= 0 {
			errors = append(errors, fmt.Errorf("%s.default_timeout must be > 0", field))
		}
		for _, t := range q.Types {
			if _, err := job.NormalizeName("type", t); err != nil {
				errors = append(errors, fmt.Errorf("%s.types: %w", field, err))
			}
		}
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		errors = append(errors, fmt.Errorf("retry.max_attempts must be >= 1"))
	}
	if c.Retry.InitialBackoff.Duration <= 0 {
		errors = append(errors, fmt.Errorf("retry.initial_backoff must be > 0"))
	}
	if c.Retry.MaxBackoff.Duration < c.Retry.InitialBackoff.Duration {
		errors = append(errors, fmt.Errorf("retry.max_backoff must be >= retry.initial_backoff"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errors = append(errors, fmt.Errorf("retry.jitter must be between 0 and 1 (got %g)", c.Retry.Jitter))
	}
	if c.Retry.ManualRetryBudget < 1 {
		errors = append(errors, fmt.Errorf("retry.manual_retry_budget must be >= 1"))
	}

	// Scheduler and janitor
	if c.Scheduler.PollInterval.Duration <= 0 {
		errors = append(errors, fmt.Errorf("scheduler.poll_interval must be > 0"))
	}
	if c.Janitor.Interval.Duration <= 0 {
		errors = append(errors, fmt.Errorf("janitor.interval must be > 0"))
	}
	if c.Janitor.Grace.Duration < 0 || c.Janitor.Retention.Duration < 0 {
		errors = append(errors, fmt.Errorf("janitor.grace and janitor.retention cannot be negative"))
	}

	// Notify
	switch c.Notify.Driver {
	case NotifyNone, NotifyLocal:
	case NotifyRedis:
		if c.Notify.Redis.Addr == "" {
			errors = append(errors, fmt.Errorf("notify.redis.addr is required when notify.driver is 'redis'"))
		}
	default:
		errors = append(errors, fmt.Errorf("invalid notify.driver: %s (expected: none, local, redis)", c.Notify.Driver))
	}

	// HTTP
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errors = append(errors, fmt.Errorf("http.addr is required when http is enabled"))
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
	}
	if c.Logging.Output == "" {
		errors = append(errors, fmt.Errorf("logging.output is required"))
	}

	return errors
}
