package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
)

func newDLQCmd(root *rootOpts) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead letter queue",
	}

	var (
		listQueue  string
		listLimit  int
		listOffset int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := root.client().Failures(cmd.Context(), dlq.ListOpts{
				Queue:  listQueue,
				Limit:  listLimit,
				Offset: listOffset,
			})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dead letter queue is empty.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUEUE\tKIND\tATTEMPTS\tREASON\tFAILED AT\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
					rec.ID, rec.Queue, rec.Kind, rec.Attempts, rec.MaxAttempts,
					rec.Reason, rec.FailedAt.Format(time.RFC3339), rec.Error)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&listQueue, "queue", "", "filter by queue")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "page size")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "records to skip")

	requeueCmd := &cobra.Command{
		Use:   "requeue <failure-id>",
		Short: "Resubmit a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failureID, err := id.ParseFailureID(args[0])
			if err != nil {
				return fmt.Errorf("invalid failure id %q: %w", args[0], err)
			}
			j, err := root.client().RequeueFailure(cmd.Context(), failureID)
			if err != nil {
				return err
			}
			return printJSON(cmd, j)
		},
	}

	var (
		purgeQueue     string
		purgeOlderThan time.Duration
	)
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead-letter records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			purged, err := root.client().PurgeFailures(cmd.Context(), purgeQueue, purgeOlderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d record(s).\n", purged)
			return nil
		},
	}
	purgeCmd.Flags().StringVar(&purgeQueue, "queue", "", "purge only this queue")
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "purge only records that failed longer ago than this")

	dlqCmd.AddCommand(listCmd, requeueCmd, purgeCmd)
	return dlqCmd
}
