package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fearlessfara/lambdahome/internal/domain"
)

func functionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "function",
		Short: "Manage function metadata in the Postgres-backed store",
	}
	cmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN (overrides config/env)")
	cmd.AddCommand(functionCreateCmd(), functionListCmd(), functionDeleteCmd())
	return cmd
}

func functionCreateCmd() *cobra.Command {
	var (
		runtime     string
		handler     string
		memoryMB    int
		timeoutS    int
		minReplicas int
		maxReplicas int
		reserved    int
		codeDigest  string
		imageRef    string
		envVars     []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if runtime == "" {
				return fmt.Errorf("--runtime is required")
			}

			s, err := getStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			env := make(map[string]string, len(envVars))
			for _, e := range envVars {
				k, v, ok := strings.Cut(e, "=")
				if !ok {
					return fmt.Errorf("invalid --env %q, expected KEY=VALUE", e)
				}
				env[k] = v
			}

			fn := &domain.FunctionMeta{
				ID:          uuid.New().String(),
				Name:        name,
				Runtime:     domain.Runtime(runtime),
				Handler:     handler,
				MemoryMB:    memoryMB,
				TimeoutS:    timeoutS,
				Env:         env,
				CodeDigest:  codeDigest,
				ImageRef:    imageRef,
				MinReplicas: minReplicas,
				MaxReplicas: maxReplicas,
			}
			if reserved > 0 {
				fn.Reserved = &reserved
			}

			if err := s.SaveFunction(cmd.Context(), fn); err != nil {
				return err
			}
			fmt.Printf("function registered: %s (id=%s)\n", fn.Name, fn.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime label (e.g. nodejs20.x)")
	cmd.Flags().StringVarP(&handler, "handler", "H", "index.handler", "handler entrypoint")
	cmd.Flags().IntVarP(&memoryMB, "memory", "m", 128, "memory in MB")
	cmd.Flags().IntVarP(&timeoutS, "timeout", "t", 3, "timeout in seconds")
	cmd.Flags().IntVar(&minReplicas, "min-replicas", 0, "minimum warm replicas")
	cmd.Flags().IntVar(&maxReplicas, "max-replicas", 0, "maximum replicas (0 = unlimited)")
	cmd.Flags().IntVar(&reserved, "reserved-concurrency", 0, "reserved concurrency limit (0 = unlimited)")
	cmd.Flags().StringVar(&codeDigest, "code-digest", "", "code artifact digest in the code store")
	cmd.Flags().StringVar(&imageRef, "image", "", "container image reference")
	cmd.Flags().StringArrayVarP(&envVars, "env", "e", nil, "environment variable KEY=VALUE, repeatable")

	return cmd
}

func functionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			fns, err := s.ListFunctions(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tRUNTIME\tVERSION\tMEMORY\tTIMEOUT\tMIN\tMAX")
			for _, fn := range fns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					fn.Name, fn.Runtime, fn.EffectiveVersion(), fn.MemoryMB, fn.TimeoutS, fn.MinReplicas, fn.MaxReplicas)
			}
			return w.Flush()
		},
	}
}

func functionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeleteFunction(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("function deleted: %s\n", args[0])
			return nil
		},
	}
}
