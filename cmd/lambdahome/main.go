// Command lambdahome runs the invocation dispatcher daemon and gives
// operators a small CLI over it: registering functions against the
// Postgres-backed store, invoking them over the control-plane HTTP
// surface, and querying/draining the warm pool over the admin gRPC
// surface. Grounded on oriys-nova/cmd/nova's root-command-plus-
// subcommands shape. spf13/cobra.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "lambdahome",
		Short: "lambdahome - a self-hosted, Lambda-compatible function execution service",
		Long:  "lambdahome runs function code in sandboxed workers behind a Lambda-compatible control plane and Runtime API.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file (optional, defaults + env overrides apply otherwise)")

	rootCmd.AddCommand(
		daemonCmd(),
		functionCmd(),
		invokeCmd(),
		adminCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
