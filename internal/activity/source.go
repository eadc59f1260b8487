package activity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/kanoa-mlops/idlewatch/internal/shell"
)

// WindowEnv carries the trailing window, in whole seconds, to a logs command.
const WindowEnv = "IDLEWATCH_WINDOW_SECONDS"

// Source yields the inference server's log output for a trailing time window.
type Source interface {
	Logs(ctx context.Context, window time.Duration) (io.ReadCloser, error)
}

// CommandSource runs a shell command and returns its combined output.
// Example: journalctl -u ollama --no-pager --since "-${IDLEWATCH_WINDOW_SECONDS}s"
type CommandSource struct{ Command string }

func (s CommandSource) Logs(ctx context.Context, window time.Duration) (io.ReadCloser, error) {
	cmd := shell.Command(ctx, s.Command)
	cmd.Env = append(os.Environ(), WindowEnv+"="+strconv.Itoa(windowSeconds(window)))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("logs command %q: %w", s.Command, err)
	}
	return io.NopCloser(&out), nil
}

func windowSeconds(window time.Duration) int {
	s := int(window.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
