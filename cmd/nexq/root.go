package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexq/internal/app"
	"github.com/aatumaykin/nexq/internal/config"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/queue"
	"github.com/aatumaykin/nexq/internal/version"
)

// DefaultConfigFile is used when --config is not given and the file exists.
const DefaultConfigFile = "./nexq.toml"

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "nexq",
		Short: "nexq - durable priority job queue",
		Long: `nexq runs background jobs from a durable store: priority ordered claims,
retries with backoff, delayed jobs and cron schedules.

Run "nexq serve" to start workers; the other commands act on the same store.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (default: ./nexq.toml when present)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional .env file loaded before the configuration")

	cmd.AddCommand(
		newServeCmd(opts),
		newEnqueueCmd(opts),
		newJobCmd(opts),
		newScheduleCmd(opts),
		newStatsCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadRaw loads the configuration without validating it.
func (o *rootOptions) loadRaw() (*config.Config, string, error) {
	if err := config.LoadEnvOptional(o.envFile); err != nil {
		return nil, "", fmt.Errorf("failed to load env file: %w", err)
	}

	path := o.configPath
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// load loads and validates the configuration.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, _, err := o.loadRaw()
	if err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n%w", errors.Join(errs...))
	}
	return cfg, nil
}

// cliLogger keeps stdout for command output; only warnings reach stderr.
func cliLogger(cmd *cobra.Command) *logger.Logger {
	log, err := logger.NewWithWriter(cmd.ErrOrStderr(), slog.LevelWarn, "text")
	if err != nil {
		return logger.Nop()
	}
	return log
}

// withClient opens the configured store, runs fn with a producer client
// and closes everything afterwards.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *queue.Client) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	log := cliLogger(cmd)

	st, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	n, err := app.NewNotifier(ctx, cfg.Notify, log)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}
	defer n.Close()

	return fn(ctx, app.NewClient(cfg, st, n, nil, log))
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// payloadArg validates an optional JSON payload argument.
func payloadArg(args []string, i int) (json.RawMessage, error) {
	if len(args) <= i || args[i] == "" {
		return nil, nil
	}
	raw := json.RawMessage(args[i])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", args[i])
	}
	return raw, nil
}
