// Command swarmstorectl is a debug client for a running swarmstore
// process, adapted from the teacher's idrafty/idrafty.go
// commands-map-of-verbs dispatch into spf13/cobra subcommands, each
// issuing one swarmnode control-plane RPC against --target.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkswarm/swarmstore/messaging/tcprpc"
	"github.com/chunkswarm/swarmstore/swarmnode"
)

func main() {
	var target string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "swarmstorectl",
		Short: "Debug client for a running swarmstore process.",
	}
	root.PersistentFlags().StringVar(&target, "target", "127.0.0.1:9797", "address of the swarmstore process to control")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "RPC timeout")

	root.AddCommand(&cobra.Command{
		Use:   "tables",
		Short: "List the tables the target process currently hosts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			tables, err := client.Tables(ctx, target)
			if err != nil {
				return err
			}
			for _, table := range tables {
				fmt.Println(table)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "create-table [name]",
		Short: "Ask the target process to create a table.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return client.CreateTable(ctx, target, args[0])
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newClient builds a client-only transport per invocation: swarmstorectl
// is a one-shot CLI, not a long-lived peer, so it never Serves.
func newClient() *swarmnode.RemoteClient {
	return swarmnode.NewRemoteClient(tcprpc.New(""))
}
