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

func newJobCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and retry jobs",
	}
	cmd.AddCommand(newJobGetCmd(opts), newJobListCmd(opts), newJobRetryCmd(opts))
	return cmd
}

func newJobGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job with its attempt history and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				view, err := c.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func newJobListCmd(opts *rootOptions) *cobra.Command {
	var (
		f      job.Filter
		status string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				st, err := job.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				jobs, err := c.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), jobs)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tQUEUE\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
						j.ID, j.Queue, j.Type, j.Status, j.Priority,
						j.Attempts, j.MaxAttempts, j.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.Queue, "queue", "q", "", "Only jobs of this queue")
	fl.StringVarP(&f.Type, "type", "t", "", "Only jobs of this type")
	fl.StringVarP(&status, "status", "s", "", "Only jobs in this status (pending, delayed, active, completed, failed)")
	fl.StringVar(&f.Schedule, "schedule", "", "Only jobs created by this schedule")
	fl.IntVar(&f.Limit, "limit", job.DefaultListLimit, "Maximum number of jobs")
	fl.IntVar(&f.Offset, "offset", 0, "Number of jobs to skip")
	fl.BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newJobRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a failed job back to pending, keeping its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				if err := c.Retry(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s re-queued\n", args[0])
				return nil
			})
		},
	}
}
