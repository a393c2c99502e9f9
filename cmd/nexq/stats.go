package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexq/internal/queue"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by queue and type, and average durations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *queue.Client) error {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), stats)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tSTATUS\tCOUNT")
				for _, cnt := range stats.ByQueue {
					fmt.Fprintf(w, "%s\t%s\t%d\n", cnt.Key, cnt.Status, cnt.Count)
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "TYPE\tCOMPLETED\tAVG DURATION")
				for _, d := range stats.Durations {
					fmt.Fprintf(w, "%s\t%d\t%s\n", d.Type, d.Count, d.Average.Round(time.Millisecond))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of tables")
	return cmd
}
