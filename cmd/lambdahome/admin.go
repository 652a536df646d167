package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fearlessfara/lambdahome/internal/grpcapi"
)

func adminCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Query and manage the warm pool over the admin gRPC surface",
	}
	cmd.PersistentFlags().StringVar(&addr, "grpc-addr", "", "admin gRPC address (defaults to the daemon's configured address)")
	cmd.AddCommand(adminStatsCmd(&addr), adminDrainCmd(&addr))
	return cmd
}

func dialAdmin(ctx context.Context, addr string) (*grpcapi.Client, error) {
	if addr == "" {
		addr = grpcAddr()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return grpcapi.Dial(dialCtx, addr)
}

func adminStatsCmd(addr *string) *cobra.Command {
	var functionName string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and warm-pool state per function lane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialAdmin(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.GetStats(cmd.Context(), &grpcapi.StatsRequest{FunctionName: functionName})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "FUNCTION\tRUNTIME\tVERSION\tQUEUE\tWAITERS\tWARM\tACTIVE\tSTOPPED\tTOTAL")
			for _, lane := range resp.Lanes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					lane.FunctionName, lane.Runtime, lane.Version,
					lane.QueueDepth, lane.Waiters, lane.WarmIdle, lane.Active, lane.Stopped, lane.Total)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("pending: %d  total instances: %d\n", resp.PendingCount, resp.TotalInstances)
			return nil
		},
	}

	cmd.Flags().StringVar(&functionName, "function", "", "filter to a single function name")
	return cmd
}

func adminDrainCmd(addr *string) *cobra.Command {
	var (
		runtime   string
		version   string
		envHash   string
	)

	cmd := &cobra.Command{
		Use:   "drain <function>",
		Short: "Tear down every warm instance on a function's lane(s)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialAdmin(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Drain(cmd.Context(), &grpcapi.DrainRequest{
				FunctionName: args[0],
				Runtime:      runtime,
				Version:      version,
				EnvHash:      envHash,
			})
			if err != nil {
				return err
			}

			fmt.Printf("drained: %v\n", resp.DrainedInstanceIds)
			if len(resp.FailedInstanceIds) > 0 {
				fmt.Printf("failed: %v\n", resp.FailedInstanceIds)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runtime, "runtime", "", "runtime of the lane to drain (matched exactly; empty is not a wildcard)")
	cmd.Flags().StringVar(&version, "version", "", "version of the lane to drain (matched exactly; empty is not a wildcard)")
	cmd.Flags().StringVar(&envHash, "env-hash", "", "env hash of the lane to drain (matched exactly; empty is not a wildcard)")

	return cmd
}
