package config

import (
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// overrides lists the settings that can be replaced from the environment.
// Unset variables leave the file value untouched.
type overrides struct {
	StoreDriver   string `env:"NEXQ_STORE_DRIVER"`
	StorePath     string `env:"NEXQ_STORE_PATH"`
	StoreDSN      string `env:"NEXQ_STORE_DSN"`
	NotifyDriver  string `env:"NEXQ_NOTIFY_DRIVER"`
	RedisAddr     string `env:"NEXQ_REDIS_ADDR"`
	RedisPassword string `env:"NEXQ_REDIS_PASSWORD"`
	HTTPAddr      string `env:"NEXQ_HTTP_ADDR"`
	HTTPEnabled   *bool  `env:"NEXQ_HTTP_ENABLED"`
	SchedulerOn   *bool  `env:"NEXQ_SCHEDULER_ENABLED"`
	JanitorOn     *bool  `env:"NEXQ_JANITOR_ENABLED"`
	Concurrency   *int   `env:"NEXQ_CONCURRENCY"` // applies to every queue
	LogLevel      string `env:"NEXQ_LOG_LEVEL"`
	LogFormat     string `env:"NEXQ_LOG_FORMAT"`
	LogOutput     string `env:"NEXQ_LOG_OUTPUT"`
}

func applyEnvOverrides(c *Config) error {
	o, err := env.ParseAs[overrides]()
	if err != nil {
		return err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Store.Driver, o.StoreDriver)
	set(&c.Store.Path, o.StorePath)
	set(&c.Store.DSN, o.StoreDSN)
	set(&c.Notify.Driver, o.NotifyDriver)
	set(&c.Notify.Redis.Addr, o.RedisAddr)
	set(&c.Notify.Redis.Password, o.RedisPassword)
	set(&c.HTTP.Addr, o.HTTPAddr)
	set(&c.Logging.Level, o.LogLevel)
	set(&c.Logging.Format, o.LogFormat)
	set(&c.Logging.Output, o.LogOutput)

	if o.HTTPEnabled != nil {
		c.HTTP.Enabled = *o.HTTPEnabled
	}
	if o.SchedulerOn != nil {
		c.Scheduler.Enabled = *o.SchedulerOn
	}
	if o.JanitorOn != nil {
		c.Janitor.Enabled = *o.JanitorOn
	}
	if o.Concurrency != nil {
		for i := range c.Queues {
			c.Queues[i].Concurrency = *o.Concurrency
		}
	}

	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	return nil
}

// LoadEnv loads environment variables from a .env file.
// Lines have the form KEY=VALUE; empty lines and lines starting with # are
// skipped. Variables already set in the environment are not overwritten.
func LoadEnv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")

	for _, line := range lines {
		line = strings.TrimSpace(line)

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Split key and value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}

	return nil
}

// LoadEnvOptional loads a .env file if it exists.
// A missing file is not an error.
func LoadEnvOptional(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return LoadEnv(path)
}
