package idle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kanoa-mlops/idlewatch/internal/history"
	"github.com/kanoa-mlops/idlewatch/internal/metrics"
)

// State is the monitor's lifecycle state. The only transition is
// StateMonitoring -> StateShuttingDown.
type State string

const (
	StateMonitoring   State = "monitoring"
	StateShuttingDown State = "shutting_down"
)

var allStates = []string{string(StateMonitoring), string(StateShuttingDown)}

const (
	DefaultPollInterval   = time.Minute
	DefaultActivityWindow = time.Minute
	DefaultCheckTimeout   = 5 * time.Second
	DefaultStopTimeout    = 30 * time.Second

	recordTimeout = 5 * time.Second
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is fixed for the lifetime of a Monitor. Zero durations other than
// IdleTimeout fall back to their defaults.
type Config struct {
	// IdleTimeout of zero disables the monitor.
	IdleTimeout    time.Duration
	PollInterval   time.Duration
	ActivityWindow time.Duration
	CheckTimeout   time.Duration
	StopTimeout    time.Duration
}

func (c Config) Enabled() bool { return c.IdleTimeout > 0 }

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ActivityWindow == 0 {
		c.ActivityWindow = DefaultActivityWindow
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = DefaultCheckTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Validate reports negative durations. Overshoot past IdleTimeout is bounded by
// PollInterval, so a PollInterval longer than IdleTimeout is allowed but coarse.
func (c Config) Validate() error {
	fields := []struct {
		name string
		d    time.Duration
	}{
		{"idle timeout", c.IdleTimeout},
		{"poll interval", c.PollInterval},
		{"activity window", c.ActivityWindow},
		{"check timeout", c.CheckTimeout},
		{"stop timeout", c.StopTimeout},
	}
	for _, f := range fields {
		if f.d < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %s", ErrInvalidConfig, f.name, f.d)
		}
	}
	return nil
}

// Probe observes the inference server.
type Probe interface {
	Healthy(ctx context.Context) (bool, error)
	RecentActivity(ctx context.Context, window time.Duration) (bool, error)
}

// ServerStopper stops the inference server before the host goes down.
type ServerStopper interface {
	StopServer(ctx context.Context) error
}

// Shutdowner powers off the host. Shutdown may return before the host is actually down.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Status is a point-in-time view of the monitor.
type Status struct {
	State              State     `json:"state"`
	Enabled            bool      `json:"enabled"`
	Host               string    `json:"host,omitempty"`
	Target             string    `json:"target,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	LastActivity       time.Time `json:"last_activity"`
	IdleSeconds        float64   `json:"idle_seconds"`
	IdleTimeoutSeconds float64   `json:"idle_timeout_seconds"`
	LastCheck          time.Time `json:"last_check,omitempty"`
	LastHealth         string    `json:"last_health,omitempty"`
	HealthFailures     int       `json:"consecutive_health_failures"`
	Cycles             uint64    `json:"cycles"`
	ShutdownAttempts   int       `json:"shutdown_attempts"`
	PendingShutdown    bool      `json:"pending_shutdown"`
}

// Monitor powers off the host after the inference server has been idle for IdleTimeout.
// Cycles run sequentially from Run; Snapshot may be called concurrently.
type Monitor struct {
	cfg        Config
	probe      Probe
	stopper    ServerStopper
	shutdowner Shutdowner
	clock      Clock
	logger     *slog.Logger
	recorder   history.Sink
	host       string
	target     string

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	lastActivity time.Time
	lastCheck    time.Time
	lastHealth   string
	cycles       uint64
	attempts     int
	// set after a failed host shutdown until it succeeds or activity resumes
	pendingShutdown bool
	// set once StopServer returned nil; later cycles only retry the host shutdown
	serverStopped   bool
	healthFailures  int
	unhealthySince  time.Time
	warnedUnhealthy bool
	active          bool
}

// New validates cfg and builds a Monitor. stopper may be nil when there is no server to stop.
func New(cfg Config, probe Probe, stopper ServerStopper, shutdowner Shutdowner) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.Enabled() {
		if probe == nil {
			return nil, fmt.Errorf("%w: probe is required", ErrInvalidConfig)
		}
		if shutdowner == nil {
			return nil, fmt.Errorf("%w: shutdowner is required", ErrInvalidConfig)
		}
	}
	m := &Monitor{
		cfg:        cfg,
		probe:      probe,
		stopper:    stopper,
		shutdowner: shutdowner,
		logger:     slog.Default(),
		state:      StateMonitoring,
	}
	m.SetClock(RealClock())
	return m, nil
}

// SetClock replaces the clock and restarts the idle period at the clock's current time.
// It must be called before Run.
func (m *Monitor) SetClock(c Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
	m.startedAt = c.Now()
	m.lastActivity = m.startedAt
}

func (m *Monitor) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
	}
}

// SetRecorder configures an audit sink for monitor decisions. Send failures are logged only.
func (m *Monitor) SetRecorder(s history.Sink) { m.recorder = s }

// SetTarget names the host and inference server in logs, status and audit events.
func (m *Monitor) SetTarget(host, target string) {
	m.host, m.target = host, target
}

func (m *Monitor) Config() Config { return m.cfg }

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:              m.state,
		Enabled:            m.cfg.Enabled(),
		Host:               m.host,
		Target:             m.target,
		StartedAt:          m.startedAt,
		LastActivity:       m.lastActivity,
		IdleTimeoutSeconds: m.cfg.IdleTimeout.Seconds(),
		LastCheck:          m.lastCheck,
		LastHealth:         m.lastHealth,
		HealthFailures:     m.healthFailures,
		Cycles:             m.cycles,
		ShutdownAttempts:   m.attempts,
		PendingShutdown:    m.pendingShutdown,
	}
	if m.clock != nil {
		st.IdleSeconds = m.clock.Now().Sub(m.lastActivity).Seconds()
	}
	return st
}

// Run polls until the host shutdown has been initiated or ctx is cancelled.
// Cancellation never triggers a shutdown. With IdleTimeout zero it returns at once.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.cfg.Enabled() {
		m.logger.Info("idle shutdown disabled", slog.String("target", m.target))
		m.record(history.EventDisabled, time.Time{}, 0, "idle timeout is 0")
		return nil
	}
	if m.State() == StateShuttingDown {
		return nil
	}

	last := m.LastActivity()
	m.logger.Info("idle monitor started",
		slog.String("target", m.target),
		slog.Duration("idle_timeout", m.cfg.IdleTimeout),
		slog.Duration("poll_interval", m.cfg.PollInterval),
		slog.Duration("activity_window", m.cfg.ActivityWindow),
		slog.Time("last_activity", last))
	metrics.SetState(string(StateMonitoring), allStates...)
	m.record(history.EventStart, last, 0, "")

	for {
		select {
		case <-ctx.Done():
		case <-m.clock.After(m.cfg.PollInterval):
		}
		if ctx.Err() != nil {
			m.stopped()
			return nil
		}
		if m.Cycle(ctx) == StateShuttingDown {
			return nil
		}
	}
}

func (m *Monitor) stopped() {
	st := m.Snapshot()
	idle := time.Duration(st.IdleSeconds * float64(time.Second))
	m.logger.Info("idle monitor stopped",
		slog.Time("last_activity", st.LastActivity),
		slog.Duration("idle", idle.Round(time.Second)))
	m.record(history.EventStop, st.LastActivity, idle, "external stop")
}

// Cycle runs one check in order: health, activity scan, idle computation, shutdown decision.
// Errors are handled inside the cycle. It returns the resulting state.
func (m *Monitor) Cycle(ctx context.Context) State {
	m.mu.Lock()
	if m.state == StateShuttingDown {
		m.mu.Unlock()
		return StateShuttingDown
	}
	m.cycles++
	stopped := m.serverStopped
	m.mu.Unlock()
	metrics.IncCycle()

	now := m.clock.Now()
	if !stopped {
		if !m.checkHealth(ctx, now) {
			return StateMonitoring
		}
		m.scanActivity(ctx, now)
	}

	last := m.LastActivity()
	idle := now.Sub(last)
	m.logger.Info("idle check",
		slog.Duration("idle", idle.Round(time.Second)),
		slog.Time("last_activity", last),
		slog.Duration("idle_timeout", m.cfg.IdleTimeout))
	metrics.SetIdle(idle.Seconds(), float64(last.Unix()))

	if idle < m.cfg.IdleTimeout {
		m.mu.Lock()
		m.pendingShutdown = false
		m.mu.Unlock()
		return StateMonitoring
	}
	return m.shutdown(ctx, last, idle)
}

func (m *Monitor) checkHealth(ctx context.Context, now time.Time) bool {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	ok, err := m.probe.Healthy(cctx)
	cancel()

	result := "healthy"
	switch {
	case err != nil:
		result = "error"
		ok = false
	case !ok:
		result = "unhealthy"
	}
	metrics.ObserveHealth(result)

	m.mu.Lock()
	m.lastCheck = now
	m.lastHealth = result
	last := m.lastActivity
	if ok {
		recovered := m.warnedUnhealthy
		m.healthFailures = 0
		m.warnedUnhealthy = false
		m.mu.Unlock()
		if recovered {
			m.logger.Info("inference server healthy again, idle shutdown resumed")
		}
		return true
	}
	m.healthFailures++
	if m.healthFailures == 1 {
		m.unhealthySince = now
	}
	failures, since := m.healthFailures, m.unhealthySince
	warn := !m.warnedUnhealthy && now.Sub(since) >= m.cfg.IdleTimeout
	if warn {
		m.warnedUnhealthy = true
	}
	m.mu.Unlock()

	attrs := []any{
		slog.String("result", result),
		slog.Duration("idle", now.Sub(last).Round(time.Second)),
		slog.Time("last_activity", last),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	m.logger.Info("health check failed, skipping cycle", attrs...)
	if warn {
		// an unhealthy server never reaches the idle decision
		m.logger.Warn("inference server unhealthy for longer than the idle timeout, idle shutdown cannot trigger until it recovers",
			slog.Int("consecutive_failures", failures),
			slog.Time("unhealthy_since", since))
	}
	return false
}

func (m *Monitor) scanActivity(ctx context.Context, now time.Time) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	found, err := m.probe.RecentActivity(cctx, m.cfg.ActivityWindow)
	cancel()
	if err != nil {
		metrics.IncLogScanError()
		m.logger.Warn("activity scan failed, counting as no activity", slog.Any("error", err))
		found = false
	}

	m.mu.Lock()
	resumed := found && !m.active
	m.active = found
	prev := m.lastActivity
	if found && now.After(m.lastActivity) {
		m.lastActivity = now
	}
	m.mu.Unlock()
	if !found {
		return
	}

	metrics.IncActivity()
	m.logger.Info("activity detected", slog.Time("last_activity", now))
	if resumed {
		m.record(history.EventActivity, now, now.Sub(prev), "")
	}
}

func (m *Monitor) shutdown(ctx context.Context, last time.Time, idle time.Duration) State {
	// an external stop is never an idle shutdown
	if ctx.Err() != nil {
		return StateMonitoring
	}

	m.mu.Lock()
	stopServer := !m.serverStopped
	m.mu.Unlock()

	// until the server is known to be stopped it may still serve requests,
	// so the next cycle probes it again instead of only retrying the shutdown
	if stopServer {
		m.logger.Info("idle timeout reached, stopping inference server",
			slog.String("target", m.target),
			slog.Duration("idle", idle.Round(time.Second)),
			slog.Time("last_activity", last))
		if m.stopper != nil {
			sctx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
			err := m.stopper.StopServer(sctx)
			cancel()
			if err != nil {
				m.logger.Warn("inference server stop failed, continuing with host shutdown", slog.Any("error", err))
			} else {
				m.mu.Lock()
				m.serverStopped = true
				m.mu.Unlock()
			}
		}
	}
	if ctx.Err() != nil {
		return StateMonitoring
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	err := m.shutdowner.Shutdown(sctx)
	cancel()

	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.pendingShutdown = err != nil
	if err == nil {
		m.state = StateShuttingDown
	}
	m.mu.Unlock()
	metrics.IncShutdownAttempt(err == nil)

	if err != nil {
		m.logger.Error("host shutdown failed, retrying next cycle",
			slog.Int("attempt", attempt),
			slog.Duration("idle", idle.Round(time.Second)),
			slog.Any("error", err))
		m.record(history.EventShutdownFailed, last, idle, err.Error())
		return StateMonitoring
	}

	metrics.SetState(string(StateShuttingDown), allStates...)
	m.logger.Info("host shutdown initiated",
		slog.Int("attempt", attempt),
		slog.Duration("idle", idle.Round(time.Second)),
		slog.Time("last_activity", last))
	m.record(history.EventShutdown, last, idle, "")
	return StateShuttingDown
}

func (m *Monitor) record(t history.EventType, last time.Time, idle time.Duration, msg string) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	e := history.Event{
		Type:         t,
		OccurredAt:   m.clock.Now().UTC(),
		Host:         m.host,
		Target:       m.target,
		LastActivity: last.UTC(),
		Idle:         idle,
		Message:      msg,
	}
	if err := m.recorder.Send(ctx, e); err != nil {
		m.logger.Warn("history send failed", slog.String("event", string(t)), slog.Any("error", err))
	}
}
