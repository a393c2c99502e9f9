package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexq/internal/queue"
)

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		queueName   string
		priority    int
		delay       time.Duration
		maxAttempts int
		timeout     time.Duration
		backoff     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <type> [payload-json]",
		Short: "Submit a job",
		Long: `Submit a job of the given type. The payload is an optional JSON document
passed to the handler unchanged. Higher priorities run first.`,
		Example: `  nexq enqueue email.send '{"to":"ops@example.com"}' --priority 10
  nexq enqueue report.build --delay 15m --queue reports`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(args, 1)
			if err != nil {
				return err
			}
			req := queue.EnqueueRequest{
				Type:        args[0],
				Queue:       queueName,
				Payload:     payload,
				Priority:    priority,
				Delay:       delay,
				MaxAttempts: maxAttempts,
				Timeout:     timeout,
				Backoff:     backoff,
			}
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				id, err := c.Enqueue(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&queueName, "queue", "q", "", "Queue name (default: first configured queue)")
	f.IntVarP(&priority, "priority", "p", 0, "Priority; higher runs first")
	f.DurationVar(&delay, "delay", 0, "Run no earlier than now + delay")
	f.IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget (default: retry.max_attempts)")
	f.DurationVar(&timeout, "timeout", 0, "Per-attempt timeout (default: queue default_timeout)")
	f.DurationVar(&backoff, "backoff", 0, "Initial retry delay (default: retry.initial_backoff)")
	return cmd
}
