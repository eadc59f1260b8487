// Package idlewatch exposes the idle-shutdown monitor for embedding in other programs.
// The idlewatch command in cmd/idlewatch is built on the same pieces.
package idlewatch

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kanoa-mlops/idlewatch/internal/activity"
	"github.com/kanoa-mlops/idlewatch/internal/detector"
	"github.com/kanoa-mlops/idlewatch/internal/docker"
	"github.com/kanoa-mlops/idlewatch/internal/history"
	"github.com/kanoa-mlops/idlewatch/internal/history/factory"
	"github.com/kanoa-mlops/idlewatch/internal/idle"
	"github.com/kanoa-mlops/idlewatch/internal/metrics"
	"github.com/kanoa-mlops/idlewatch/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = idle.Config

type Status = idle.Status

type State = idle.State

const (
	StateMonitoring   = idle.StateMonitoring
	StateShuttingDown = idle.StateShuttingDown
)

type Probe = idle.Probe

type ServerStopper = idle.ServerStopper

type Shutdowner = idle.Shutdowner

type LogSource = activity.Source

type HistorySink = history.Sink

type HistoryEvent = history.Event

var ErrInvalidConfig = idle.ErrInvalidConfig

// Monitor is a thin facade over internal/idle.Monitor.
type Monitor struct{ inner *idle.Monitor }

// NewMonitor validates cfg. probe and shutdowner are required unless cfg.IdleTimeout is 0.
func NewMonitor(cfg Config, probe Probe, stopper ServerStopper, shutdowner Shutdowner) (*Monitor, error) {
	m, err := idle.New(cfg, probe, stopper, shutdowner)
	if err != nil {
		return nil, err
	}
	return &Monitor{inner: m}, nil
}

func (m *Monitor) SetLogger(l *slog.Logger)        { m.inner.SetLogger(l) }
func (m *Monitor) SetRecorder(s HistorySink)       { m.inner.SetRecorder(s) }
func (m *Monitor) SetTarget(host, target string)   { m.inner.SetTarget(host, target) }
func (m *Monitor) Run(ctx context.Context) error   { return m.inner.Run(ctx) }
func (m *Monitor) Cycle(ctx context.Context) State { return m.inner.Cycle(ctx) }
func (m *Monitor) Snapshot() Status                { return m.inner.Snapshot() }
func (m *Monitor) State() State                    { return m.inner.State() }

// StatusHandler serves /status, /healthz and /metrics for m under basePath.
func (m *Monitor) StatusHandler(basePath string) http.Handler {
	return server.NewRouter(m.inner, basePath).Handler()
}

// NewHTTPProbe checks health with a GET on healthURL and scans logs for patterns.
// An empty patterns list uses the built-in vLLM and Ollama request lines.
func NewHTTPProbe(healthURL string, logs LogSource, patterns []string) (Probe, error) {
	if len(patterns) == 0 {
		patterns = activity.DefaultPatterns
	}
	m, err := activity.NewMatcher(patterns, "")
	if err != nil {
		return nil, err
	}
	return activity.NewProbe(detector.HTTPDetector{URL: healthURL}, logs, m), nil
}

// NewDockerRuntime returns a LogSource and ServerStopper for one container.
func NewDockerRuntime(container string, tty bool) (*docker.Runtime, error) {
	return docker.New(container, tty)
}

// NewHistorySink opens an audit sink from a sqlite://, postgres:// or clickhouse:// DSN.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// RegisterMetrics registers the monitor collectors with r. It is idempotent.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
