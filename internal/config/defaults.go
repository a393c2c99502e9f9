package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Default values.
const (
	DefaultStorePath    = "~/.nexq/nexq.db"
	DefaultQueueName    = "default"
	DefaultConcurrency  = 5
	DefaultHTTPAddr     = "127.0.0.1:8080"
	DefaultOpenAttempts = 5
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	applyDefaults(&c, toml.MetaData{})
	return &c
}

// applyDefaults fills unset values. md tells explicitly disabled booleans
// apart from missing ones.
func applyDefaults(c *Config, md toml.MetaData) {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Store.BusyTimeout.Duration == 0 {
		c.Store.BusyTimeout = D(5 * time.Second)
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 10
	}
	if c.Store.OpenAttempts == 0 {
		c.Store.OpenAttempts = DefaultOpenAttempts
	}

	if len(c.Queues) == 0 {
		c.Queues = []QueueConfig{{Name: DefaultQueueName}}
	}
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Concurrency == 0 {
			q.Concurrency = DefaultConcurrency
		}
		if q.DefaultTimeout.Duration == 0 {
			q.DefaultTimeout = D(30 * time.Second)
		}
		if q.PollInterval.Duration == 0 {
			q.PollInterval = D(500 * time.Millisecond)
		}
		if q.MaxPollInterval.Duration == 0 {
			q.MaxPollInterval = D(5 * time.Second)
		}
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff.Duration == 0 {
		c.Retry.InitialBackoff = D(time.Second)
	}
	if c.Retry.MaxBackoff.Duration == 0 {
		c.Retry.MaxBackoff = D(time.Hour)
	}
	if !md.IsDefined("retry", "jitter") {
		c.Retry.Jitter = 0.1
	}
	if c.Retry.ManualRetryBudget == 0 {
		c.Retry.ManualRetryBudget = 1
	}

	if !md.IsDefined("scheduler", "enabled") {
		c.Scheduler.Enabled = true
	}
	if c.Scheduler.PollInterval.Duration == 0 {
		c.Scheduler.PollInterval = D(time.Second)
	}

	if !md.IsDefined("janitor", "enabled") {
		c.Janitor.Enabled = true
	}
	if c.Janitor.Interval.Duration == 0 {
		c.Janitor.Interval = D(5 * time.Second)
	}
	if c.Janitor.Grace.Duration == 0 {
		c.Janitor.Grace = D(time.Minute)
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = NotifyLocal
	}
	if c.Notify.Redis.ChannelPrefix == "" {
		c.Notify.Redis.ChannelPrefix = "nexq:wake:"
	}

	if !md.IsDefined("http", "enabled") {
		c.HTTP.Enabled = true
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.ShutdownTimeout.Duration == 0 {
		c.HTTP.ShutdownTimeout = D(10 * time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}
