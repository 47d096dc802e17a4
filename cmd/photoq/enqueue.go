package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Vanuan/photoq/client"
)

func newEnqueueCmd(root *rootOpts) *cobra.Command {
	var (
		queueName      string
		priority       int
		maxAttempts    int
		delay          time.Duration
		timeout        time.Duration
		idempotencyKey string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <kind> [payload-json]",
		Short: "Enqueue a job on a running server",
		Example: `  photoq enqueue shell.exec '{"command":"exiftool -json raw/IMG_0001.CR3"}'
  photoq enqueue thumbnail.generate '{"photo_id":"p1"}' --queue imports --priority 5
  photoq enqueue report.daily '{}' --delay 2h --idempotency-key daily-2026-08-25`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Typed-nil RawMessage would marshal as "null"; keep the
			// interface nil when no payload was given.
			var payload any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON: %s", args[1])
				}
				payload = json.RawMessage(args[1])
			}

			var opts []client.EnqueueOption
			if queueName != "" {
				opts = append(opts, client.WithQueue(queueName))
			}
			if priority != 0 {
				opts = append(opts, client.WithPriority(priority))
			}
			if maxAttempts > 0 {
				opts = append(opts, client.WithMaxAttempts(maxAttempts))
			}
			if delay > 0 {
				opts = append(opts, client.WithDelay(delay))
			}
			if timeout > 0 {
				opts = append(opts, client.WithJobTimeout(timeout))
			}
			if idempotencyKey != "" {
				opts = append(opts, client.WithIdempotencyKey(idempotencyKey))
			}

			j, err := root.client().Enqueue(cmd.Context(), args[0], payload, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd, j)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&queueName, "queue", "", "target queue (empty uses the server default)")
	fl.IntVar(&priority, "priority", 0, "job priority, higher runs first")
	fl.IntVar(&maxAttempts, "max-attempts", 0, "attempt budget before dead-lettering")
	fl.DurationVar(&delay, "delay", 0, "run the job after this duration")
	fl.DurationVar(&timeout, "timeout", 0, "per-attempt execution deadline")
	fl.StringVar(&idempotencyKey, "idempotency-key", "", "deduplicate enqueues within the queue")
	return cmd
}
