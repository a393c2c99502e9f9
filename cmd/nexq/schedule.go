package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/queue"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring job schedules",
	}
	cmd.AddCommand(
		newScheduleCreateCmd(opts),
		newScheduleToggleCmd(opts, "enable", "Enable a schedule; the next run is computed from now",
			func(ctx context.Context, c *queue.Client, name string) error { return c.EnableSchedule(ctx, name) }),
		newScheduleToggleCmd(opts, "disable", "Disable a schedule",
			func(ctx context.Context, c *queue.Client, name string) error { return c.DisableSchedule(ctx, name) }),
		newScheduleToggleCmd(opts, "delete", "Delete a schedule; jobs it created are kept",
			func(ctx context.Context, c *queue.Client, name string) error { return c.DeleteSchedule(ctx, name) }),
		newScheduleListCmd(opts),
		newScheduleImportCmd(opts),
	)
	return cmd
}

func newScheduleCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		queueName   string
		priority    int
		maxAttempts int
		timeout     time.Duration
		disabled    bool
	)

	cmd := &cobra.Command{
		Use:   "create <name> <cron> <type> [payload-json]",
		Short: "Create a schedule",
		Long: `Create a schedule that enqueues a job of <type> on every cron trigger.
Cron expressions take 5 fields, or 6 with leading seconds, and descriptors
such as @hourly or "@every 10m".`,
		Example: `  nexq schedule create nightly-report "0 3 * * *" report.build '{"kind":"daily"}'`,
		Args:    cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(args, 3)
			if err != nil {
				return err
			}
			req := queue.ScheduleRequest{
				Name:        args[0],
				Cron:        args[1],
				Type:        args[2],
				Queue:       queueName,
				Payload:     payload,
				Priority:    priority,
				MaxAttempts: maxAttempts,
				Timeout:     timeout,
				Enabled:     !disabled,
			}
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				sc, err := c.CreateSchedule(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s created, next run %s\n",
					sc.Name, sc.NextRunAt.Format(time.RFC3339))
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&queueName, "queue", "q", "", "Queue for created jobs")
	f.IntVarP(&priority, "priority", "p", 0, "Priority of created jobs")
	f.IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget of created jobs")
	f.DurationVar(&timeout, "timeout", 0, "Per-attempt timeout of created jobs")
	f.BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
	return cmd
}

func newScheduleToggleCmd(opts *rootOptions, use, short string, fn func(context.Context, *queue.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				if err := fn(ctx, c, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s: %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func newScheduleListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				schedules, err := c.ListSchedules(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), schedules)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tCRON\tTYPE\tQUEUE\tSTATE\tLAST RUN\tNEXT RUN")
				for _, sc := range schedules {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						sc.Name, sc.Cron, sc.Type, sc.Queue, scheduleState(sc),
						formatTime(sc.LastRunAt), sc.NextRunAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newScheduleImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update schedules from a YAML file",
		Long: `Create or update schedules from a YAML file. The file is validated as a
whole before anything is written.

  schedules:
    - name: nightly-report
      cron: "0 3 * * *"
      type: report.build
      payload: {kind: daily}
      timeout: 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				n, err := c.ImportSchedules(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d schedules\n", n)
				return nil
			})
		},
	}
}

func scheduleState(sc *job.Schedule) string {
	switch {
	case sc.Invalid:
		return "invalid: " + sc.InvalidReason
	case sc.Enabled:
		return "enabled"
	default:
		return "disabled"
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
