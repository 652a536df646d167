package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func invokeCmd() *cobra.Command {
	var (
		addr      string
		qualifier string
		payload   string
		payloadFl string
		logType   string
	)

	cmd := &cobra.Command{
		Use:   "invoke <name>",
		Short: "Invoke a function through the control-plane HTTP surface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			body := []byte(payload)
			if payloadFl != "" {
				data, err := os.ReadFile(payloadFl)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				body = data
			}
			if len(body) == 0 {
				body = []byte("{}")
			}

			if addr == "" {
				addr = "http://localhost" + controlPlaneAddr()
			}
			url := fmt.Sprintf("%s/2015-03-31/functions/%s/invocations", addr, name)
			if qualifier != "" {
				url += "?Qualifier=" + qualifier
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			if logType != "" {
				req.Header.Set("X-Amz-Log-Type", logType)
			}

			client := &http.Client{Timeout: 5 * time.Minute}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("invoke: %w", err)
			}
			defer resp.Body.Close()

			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("invoke: read response: %w", err)
			}

			if errHeader := resp.Header.Get("X-Amz-Function-Error"); errHeader != "" {
				fmt.Fprintf(os.Stderr, "function error: %s\n", errHeader)
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "control-plane base URL (defaults to the daemon's configured address)")
	cmd.Flags().StringVarP(&qualifier, "qualifier", "q", "", "version or alias qualifier")
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "inline JSON payload")
	cmd.Flags().StringVar(&payloadFl, "payload-file", "", "path to a file containing the JSON payload")
	cmd.Flags().StringVar(&logType, "log-type", "", "\"Tail\" to request the base64 execution log")

	return cmd
}
