package detector

import (
	"context"
	"errors"
	"os/exec"

	"github.com/kanoa-mlops/idlewatch/internal/shell"
)

// CommandDetector runs a command that should succeed if the server is serving.
type CommandDetector struct{ Command string }

func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	cmd := shell.Command(ctx, d.Command)
	cmd.Stdout = nil
	cmd.Stderr = nil
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// non-zero exit code means not serving
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
