package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexq/internal/app"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start workers, scheduler, janitor and the admin HTTP server",
		Long: `Start a nexq worker process with the specified configuration.
One worker pool is started per [[queues]] entry. The scheduler, janitor and
HTTP server run when enabled. SIGINT or SIGTERM stops claiming, waits for
in-flight jobs to record their outcome and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := opts.loadRaw()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// Override log level if flag is set
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if errs := cfg.Validate(); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %v\n", e)
				}
				return fmt.Errorf("configuration validation failed (%d errors)", len(errs))
			}

			log, err := logger.New(logger.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cfg.Logging.Output,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger.SetDefault(log)

			log.Info("Starting nexq",
				logger.Field{Key: "version", Value: version.Version},
				logger.Field{Key: "git_commit", Value: version.GitCommit},
				logger.Field{Key: "config", Value: path},
				logger.Field{Key: "store", Value: cfg.Store.Driver},
				logger.Field{Key: "queues", Value: len(cfg.Queues)},
				logger.Field{Key: "notify", Value: cfg.Notify.Driver})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.New(cfg, log).Run(ctx); err != nil {
				log.Error("nexq stopped with error", err)
				return err
			}
			log.Info("nexq stopped gracefully")
			return nil
		},
	}

	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Override log level (debug, info, warn, error)")
	return cmd
}
