package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kanoa-mlops/idlewatch/internal/activity"
	"github.com/kanoa-mlops/idlewatch/internal/config"
)

// CheckResult is what one probe round observed.
type CheckResult struct {
	Target        string `json:"target"`
	Probe         string `json:"probe"`
	Healthy       bool   `json:"healthy"`
	HealthError   string `json:"health_error,omitempty"`
	Active        bool   `json:"active"`
	ActivityError string `json:"activity_error,omitempty"`
	WindowSeconds int    `json:"window_seconds"`
}

func createCheckCommand(globalFlags *GlobalFlags, checkFlags *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe server health and recent activity once",
		Long: `Run the health check and the activity scan once with the current settings and
print what the monitor would see. Nothing is stopped or shut down.

Examples:
  idlewatch check
  idlewatch check --container-name=ollama --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, globalFlags)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			d, err := buildDeps(cfg, log)
			if err != nil {
				return err
			}
			defer d.close()

			res := runCheck(cmd.Context(), cfg, d.probe)
			return printCheck(cmd.OutOrStdout(), res, checkFlags.JSON)
		},
	}

	addMonitorFlags(cmd.Flags())
	cmd.Flags().BoolVar(&checkFlags.JSON, "json", false, "print the result as JSON")
	return cmd
}

func runCheck(ctx context.Context, cfg *config.Config, p *activity.Probe) CheckResult {
	mc := cfg.Monitor()
	res := CheckResult{
		Target:        cfg.Target(),
		Probe:         p.Describe(),
		WindowSeconds: cfg.ActivityWindowSeconds,
	}

	hctx, cancel := context.WithTimeout(ctx, mc.CheckTimeout)
	res.Healthy, res.HealthError = errString(p.Healthy(hctx))
	cancel()

	actx, cancel := context.WithTimeout(ctx, mc.CheckTimeout)
	res.Active, res.ActivityError = errString(p.RecentActivity(actx, mc.ActivityWindow))
	cancel()
	return res
}

func errString(ok bool, err error) (bool, string) {
	if err != nil {
		return ok, err.Error()
	}
	return ok, ""
}

func printCheck(w io.Writer, res CheckResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	health := "healthy"
	switch {
	case res.HealthError != "":
		health = "unreachable: " + res.HealthError
	case !res.Healthy:
		health = "unhealthy"
	}
	act := fmt.Sprintf("none in the last %s", time.Duration(res.WindowSeconds)*time.Second)
	switch {
	case res.ActivityError != "":
		act = "scan failed: " + res.ActivityError
	case res.Active:
		act = fmt.Sprintf("detected in the last %s", time.Duration(res.WindowSeconds)*time.Second)
	}

	_, err := fmt.Fprintf(w, "target:   %s\nprobe:    %s\nhealth:   %s\nactivity: %s\n",
		res.Target, res.Probe, health, act)
	return err
}
