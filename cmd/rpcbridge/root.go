package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "rpcbridge",
		Short: "JSON-RPC over HTTP for embedded devices",
		Long: `rpcbridge accepts JSON-RPC requests as HTTP POST bodies, executes them
and serves each response as a single-use virtual file.

Commands:
  serve     Start the HTTP server
  config    Print the effective configuration
  version   Print version information`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./rpcbridge.yaml)")

	root.AddCommand(
		newServeCmd(&cfgFile),
		newConfigCmd(&cfgFile),
		newVersionCmd(),
	)
	return root
}
