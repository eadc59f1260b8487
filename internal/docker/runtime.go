package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// maxLogBytes caps how much of one window is buffered in memory.
const maxLogBytes = 16 << 20

// API is the subset of the Engine client used here; *client.Client satisfies it.
type API interface {
	ContainerLogs(ctx context.Context, container string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, container string, options containertypes.StopOptions) error
	Close() error
}

// Runtime reads logs from and stops one named container through the docker Engine API.
type Runtime struct {
	api  API
	name string
	tty  bool
	now  func() time.Time
}

// New connects using the standard DOCKER_HOST/DOCKER_* environment.
func New(name string, tty bool) (*Runtime, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewWithAPI(cli, name, tty), nil
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API, name string, tty bool) *Runtime {
	return &Runtime{api: api, name: name, tty: tty, now: time.Now}
}

func (r *Runtime) Name() string { return r.name }

// Logs returns stdout and stderr lines emitted during the trailing window.
// Output of containers without a TTY is multiplexed and gets split with stdcopy.
func (r *Runtime) Logs(ctx context.Context, window time.Duration) (io.ReadCloser, error) {
	since := r.now().Add(-window)
	rc, err := r.api.ContainerLogs(ctx, r.name, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Since:      strconv.FormatInt(since.Unix(), 10),
	})
	if err != nil {
		return nil, fmt.Errorf("container logs %s: %w", r.name, err)
	}
	defer func() { _ = rc.Close() }()

	limited := io.LimitReader(rc, maxLogBytes)
	var out bytes.Buffer
	if r.tty {
		if _, err := io.Copy(&out, limited); err != nil {
			return nil, fmt.Errorf("read logs %s: %w", r.name, err)
		}
		return io.NopCloser(&out), nil
	}
	if _, err := stdcopy.StdCopy(&out, &out, limited); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("demux logs %s: %w", r.name, err)
	}
	return io.NopCloser(&out), nil
}

// StopServer asks the engine to stop the container. The grace period before SIGKILL is
// one second shorter than the ctx deadline so the API call itself can still return.
func (r *Runtime) StopServer(ctx context.Context) error {
	timeout := 10
	if dl, ok := ctx.Deadline(); ok {
		if s := int(time.Until(dl)/time.Second) - 1; s >= 1 {
			timeout = s
		} else {
			timeout = 1
		}
	}
	if err := r.api.ContainerStop(ctx, r.name, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", r.name, err)
	}
	return nil
}

func (r *Runtime) Close() error { return r.api.Close() }
