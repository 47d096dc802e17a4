package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newQueueCmd(root *rootOpts) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage queues on a running server",
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a queue with the default configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := root.client().CreateQueue(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, q)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			qs, err := root.client().Queues(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPAUSED\tMAX ATTEMPTS\tLEASE\tMAX CONCURRENCY")
			for _, q := range qs {
				fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%d\n",
					q.Name, q.Paused, q.Config.MaxAttempts, q.Config.LeaseDuration, q.Config.MaxConcurrency)
			}
			return w.Flush()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show a queue's health sample: depth, rates, breaker, workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := root.client().QueueStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause <name>",
		Short: "Stop claims from a queue (enqueues still land)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.client().PauseQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queue %q paused.\n", args[0])
			return nil
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <name>",
		Short: "Lift a queue's pause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.client().ResumeQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queue %q resumed.\n", args[0])
			return nil
		},
	}

	queueCmd.AddCommand(createCmd, listCmd, statusCmd, pauseCmd, resumeCmd)
	return queueCmd
}
