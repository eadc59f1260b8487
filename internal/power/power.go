package power

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kanoa-mlops/idlewatch/internal/shell"
)

// DefaultShutdownCommand powers off a Linux host. It needs root or a sudoers entry.
const DefaultShutdownCommand = "shutdown -h now"

// CommandShutdowner powers off the host by running a command.
// The command may return before the OS actually powers off.
type CommandShutdowner struct{ Command string }

func (s CommandShutdowner) Shutdown(ctx context.Context) error {
	cmd := s.Command
	if strings.TrimSpace(cmd) == "" {
		cmd = DefaultShutdownCommand
	}
	return run(ctx, cmd)
}

func (s CommandShutdowner) String() string { return "shutdown:" + s.Command }

// CommandStopper stops a natively installed server, e.g. "systemctl stop ollama".
type CommandStopper struct{ Command string }

func (s CommandStopper) StopServer(ctx context.Context) error { return run(ctx, s.Command) }

// DryRun logs instead of powering off or stopping the server. Useful while tuning
// the idle timeout on a live VM.
type DryRun struct{ Logger *slog.Logger }

func (d DryRun) Shutdown(ctx context.Context) error {
	d.logger().WarnContext(ctx, "dry run: host shutdown skipped")
	return nil
}

func (d DryRun) StopServer(ctx context.Context) error {
	d.logger().WarnContext(ctx, "dry run: inference server stop skipped")
	return nil
}

func (d DryRun) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func run(ctx context.Context, cmdStr string) error {
	cmd := shell.Command(ctx, cmdStr)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("%q: %w: %s", cmdStr, err, msg)
		}
		return fmt.Errorf("%q: %w", cmdStr, err)
	}
	return nil
}
