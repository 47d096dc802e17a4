// Command photoq runs the job queue server and administers a running
// instance over its HTTP API.
//
// Run a node:
//
//	photoq serve --store redis --dsn redis://localhost:6379/0 --queues imports,exports
//
// Then operate it:
//
//	photoq queue list
//	photoq enqueue shell.exec '{"command":"exiftool -json photo.jpg"}' --queue imports
//	photoq dlq list
//	photoq scale imports 8
//	photoq health
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Vanuan/photoq/client"
)

// rootOpts carries the connection flags shared by every admin command.
type rootOpts struct {
	addr  string
	token string
}

func (o *rootOpts) client() *client.Client {
	var opts []client.Option
	if o.token != "" {
		opts = append(opts, client.WithToken(o.token))
	}
	return client.New(o.addr, opts...)
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	root := &cobra.Command{
		Use:           "photoq",
		Short:         "Job queue server and admin client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "http://127.0.0.1:8080", "server address for admin commands")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token for admin commands")

	root.AddCommand(newServeCmd())
	root.AddCommand(newQueueCmd(opts))
	root.AddCommand(newEnqueueCmd(opts))
	root.AddCommand(newDLQCmd(opts))
	root.AddCommand(newScaleCmd(opts))
	root.AddCommand(newHealthCmd(opts))
	return root
}

// printJSON writes v to the command's stdout as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "photoq:", err)
		os.Exit(1)
	}
}
