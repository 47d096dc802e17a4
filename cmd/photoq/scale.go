package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newScaleCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "scale <queue> <slots>",
		Short: "Resize a queue's worker pool to an absolute slot count",
		Example: `  photoq scale imports 8
  photoq scale imports 0   # park the worker without removing it`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("slot count %q is not a number", args[1])
			}
			h, err := root.client().ScaleWorkers(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			return printJSON(cmd, h)
		},
	}
}
