package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHealthCmd(root *rootOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the node-wide health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := root.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, h)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s    Workers: %d busy / %d total\n\n",
				h.Status, h.Workers.Busy, h.Workers.Total)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tSTATUS\tBREAKER\tREADY\tDEPTH\tWORKERS\tRATE\tERR RATE\tDLQ")
			for _, q := range h.Queues {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d/%d\t%.2f/s\t%.0f%%\t%d\n",
					q.Queue, q.Status, q.Breaker, q.Ready, q.Depth,
					q.BusyWorkers, q.Workers, q.Rate, q.ErrorRate*100, q.DeadLettered)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON report")
	return cmd
}
