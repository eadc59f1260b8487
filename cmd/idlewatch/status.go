package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kanoa-mlops/idlewatch/pkg/client"
)

func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running idlewatch daemon",
		Long: `Query the status endpoint of a daemon started with --listen.

Examples:
  idlewatch status
  idlewatch status --url=http://gpu-vm:9100 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := client.Config{
				BaseURL:  flags.URL,
				Timeout:  flags.Timeout,
				Insecure: flags.SkipVerify,
			}
			if flags.CACert != "" {
				cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: flags.CACert}
			}
			c := client.New(cfg)
			st, err := c.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status from %s: %w", flags.URL, err)
			}
			return printStatus(cmd.OutOrStdout(), st, flags.JSON)
		},
	}

	cmd.Flags().StringVar(&flags.URL, "url", client.DefaultBaseURL, "daemon status endpoint base URL")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the raw status JSON")
	cmd.Flags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an https endpoint")
	cmd.Flags().BoolVar(&flags.SkipVerify, "insecure", false, "skip TLS certificate verification")
	return cmd
}

func printStatus(w io.Writer, st *client.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	if !st.Enabled {
		_, err := fmt.Fprintf(w, "state:    %s (idle shutdown disabled)\n", st.State)
		return err
	}
	last := "never"
	if !st.LastActivity.IsZero() {
		last = st.LastActivity.Local().Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(w,
		"state:     %s\nhost:      %s\ntarget:    %s\nidle:      %s\nremaining: %s\nlast:      %s\nhealth:    %s\ncycles:    %d\n",
		st.State, st.Host, st.Target,
		st.Idle().Round(time.Second), st.Remaining().Round(time.Second),
		last, st.LastHealth, st.Cycles)
	if err == nil && st.PendingShutdown {
		_, err = fmt.Fprintf(w, "shutdown:  pending (%d attempts)\n", st.ShutdownAttempts)
	}
	return err
}
