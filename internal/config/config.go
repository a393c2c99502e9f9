package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads the TOML file at path, expands ${VAR:default} references,
// applies NEXQ_* environment overrides and fills defaults. An empty path
// yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	var (
		cfg Config
		md  toml.MetaData
	)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		md, err = toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	expandEnvVars(&cfg)
	applyDefaults(&cfg, md)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Logging.Output = expandHome(cfg.Logging.Output)

	return &cfg, nil
}

// expandEnvVars expands ${VAR:default} references in string settings.
func expandEnvVars(c *Config) {
	for _, s := range []*string{
		&c.Store.Driver,
		&c.Store.Path,
		&c.Store.DSN,
		&c.Notify.Driver,
		&c.Notify.Redis.Addr,
		&c.Notify.Redis.Password,
		&c.HTTP.Addr,
		&c.Logging.Level,
		&c.Logging.Format,
		&c.Logging.Output,
	} {
		*s = expandEnv(*s)
	}
	for i := range c.Queues {
		c.Queues[i].Name = expandEnv(c.Queues[i].Name)
	}
}

// expandEnv expands an environment reference of the form ${VAR:default}.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	if parts := strings.SplitN(content, ":", 2); len(parts) == 2 {
		key := parts[0]
		defaultVal := parts[1]
		if val := os.Getenv(key); val != "" {
			return val
		}
		return defaultVal
	}

	// Without a default value
	return os.Getenv(content)
}

// expandHome expands a leading ~ in a path.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
