package idle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kanoa-mlops/idlewatch/internal/history"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock advances by d on every After call and fires immediately.
// With block set, After never fires.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	afters int
	block  bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afters++
	if c.block {
		return nil
	}
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) minute() int { return int(c.Now().Sub(t0) / time.Minute) }

// fakeProbe answers by the minute of the fake clock.
type fakeProbe struct {
	clock        *fakeClock
	unhealthy    map[int]bool
	activeAt     map[int]bool
	scanErr      error
	healthCalls  int
	scanCalls    int
	sawDeadlines bool
}

func (p *fakeProbe) Healthy(ctx context.Context) (bool, error) {
	p.healthCalls++
	if _, ok := ctx.Deadline(); ok {
		p.sawDeadlines = true
	}
	if p.unhealthy[p.clock.minute()] {
		return false, errors.New("connection refused")
	}
	return true, nil
}

func (p *fakeProbe) RecentActivity(ctx context.Context, window time.Duration) (bool, error) {
	p.scanCalls++
	if p.scanErr != nil {
		return false, p.scanErr
	}
	return p.activeAt[p.clock.minute()], nil
}

type fakeShutdowner struct {
	clock *fakeClock
	fails int
	calls int
	at    []int
}

func (s *fakeShutdowner) Shutdown(ctx context.Context) error {
	s.calls++
	s.at = append(s.at, s.clock.minute())
	if s.calls <= s.fails {
		return errors.New("permission denied")
	}
	return nil
}

type fakeStopper struct {
	calls int
	err   error
}

func (s *fakeStopper) StopServer(ctx context.Context) error {
	s.calls++
	return s.err
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	clock *fakeClock
	probe *fakeProbe
	stop  *fakeStopper
	down  *fakeShutdowner
	m     *Monitor
	logs  *bytes.Buffer
}

func newHarness(t *testing.T, idleTimeout time.Duration) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		clock: clock,
		probe: &fakeProbe{clock: clock, unhealthy: map[int]bool{}, activeAt: map[int]bool{}},
		stop:  &fakeStopper{},
		down:  &fakeShutdowner{clock: clock},
		logs:  &bytes.Buffer{},
	}
	m, err := New(Config{IdleTimeout: idleTimeout, PollInterval: time.Minute}, h.probe, h.stop, h.down)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetClock(clock)
	m.SetLogger(slog.New(slog.NewTextHandler(h.logs, nil)))
	m.SetTarget("gpu-vm", "vllm-server")
	h.m = m
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.m.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunShutsDownOnceAfterIdleTimeout(t *testing.T) {
	h := newHarness(t, 5*time.Minute)
	h.run(t)

	if h.down.calls != 1 {
		t.Fatalf("shutdown calls = %d, want 1", h.down.calls)
	}
	if h.down.at[0] != 5 {
		t.Fatalf("shutdown at minute %d, want 5", h.down.at[0])
	}
	if h.stop.calls != 1 {
		t.Fatalf("server stop calls = %d, want 1", h.stop.calls)
	}
	if h.clock.afters != 5 {
		t.Fatalf("poll waits = %d, want 5 (no cycle at minute 6)", h.clock.afters)
	}
	if got := h.m.State(); got != StateShuttingDown {
		t.Fatalf("state = %s, want %s", got, StateShuttingDown)
	}

	// terminal state: further cycles do nothing
	if got := h.m.Cycle(context.Background()); got != StateShuttingDown {
		t.Fatalf("Cycle after shutdown = %s", got)
	}
	if err := h.m.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if h.down.calls != 1 || h.probe.healthCalls != 5 {
		t.Fatalf("work after shutdown: shutdown=%d health=%d", h.down.calls, h.probe.healthCalls)
	}
}

func TestActivityResetsIdleClock(t *testing.T) {
	h := newHarness(t, 5*time.Minute)
	h.probe.activeAt[3] = true
	h.run(t)

	if h.down.calls != 1 || h.down.at[0] != 8 {
		t.Fatalf("shutdown calls=%d at=%v, want one call at minute 8", h.down.calls, h.down.at)
	}
	if want := t0.Add(3 * time.Minute); !h.m.LastActivity().Equal(want) {
		t.Fatalf("last activity = %v, want %v", h.m.LastActivity(), want)
	}
	if !strings.Contains(h.logs.String(), "activity detected") {
		t.Fatalf("missing activity log line:\n%s", h.logs.String())
	}
}

func TestDisabledNeverPolls(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t)

	if h.clock.afters != 0 || h.probe.healthCalls != 0 || h.probe.scanCalls != 0 {
		t.Fatalf("disabled monitor polled: afters=%d health=%d scan=%d", h.clock.afters, h.probe.healthCalls, h.probe.scanCalls)
	}
	if h.down.calls != 0 {
		t.Fatalf("disabled monitor shut down")
	}
	if !strings.Contains(h.logs.String(), "idle shutdown disabled") {
		t.Fatalf("missing disabled log line:\n%s", h.logs.String())
	}
}

func TestHealthFailureIsNeutral(t *testing.T) {
	tests := []struct {
		name      string
		unhealthy []int
		wantAt    int
		wantScans int
	}{
		{"failures before threshold", []int{2, 3}, 5, 3},
		{"failure at threshold", []int{5}, 6, 5},
		{"failure hides activity", []int{3}, 5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 5*time.Minute)
			for _, m := range tt.unhealthy {
				h.probe.unhealthy[m] = true
			}
			if tt.name == "failure hides activity" {
				h.probe.activeAt[3] = true
			}
			h.run(t)
			if h.down.calls != 1 || h.down.at[0] != tt.wantAt {
				t.Fatalf("shutdown calls=%d at=%v, want one at minute %d", h.down.calls, h.down.at, tt.wantAt)
			}
			if h.probe.scanCalls != tt.wantScans {
				t.Fatalf("scan calls = %d, want %d", h.probe.scanCalls, tt.wantScans)
			}
			if !h.m.LastActivity().Equal(t0) {
				t.Fatalf("last activity moved to %v", h.m.LastActivity())
			}
		})
	}
}

func TestPersistentHealthFailureWarnsOnce(t *testing.T) {
	h := newHarness(t, 3*time.Minute)
	for m := 1; m <= 10; m++ {
		h.probe.unhealthy[m] = true
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		h.clock.After(time.Minute)
		h.m.Cycle(ctx)
	}
	if h.down.calls != 0 {
		t.Fatalf("unhealthy server triggered shutdown")
	}
	if n := strings.Count(h.logs.String(), "idle shutdown cannot trigger"); n != 1 {
		t.Fatalf("warning logged %d times, want 1", n)
	}
	if got := h.m.Snapshot().HealthFailures; got != 10 {
		t.Fatalf("consecutive failures = %d, want 10", got)
	}
}

func TestLastActivityNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, 30*time.Minute)
	h.probe.activeAt[10] = true
	h.probe.activeAt[4] = true
	ctx := context.Background()

	h.clock.set(t0.Add(10 * time.Minute))
	h.m.Cycle(ctx)
	if want := t0.Add(10 * time.Minute); !h.m.LastActivity().Equal(want) {
		t.Fatalf("last activity = %v, want %v", h.m.LastActivity(), want)
	}

	// wall clock stepped back
	h.clock.set(t0.Add(4 * time.Minute))
	h.m.Cycle(ctx)
	if want := t0.Add(10 * time.Minute); !h.m.LastActivity().Equal(want) {
		t.Fatalf("last activity moved backwards to %v", h.m.LastActivity())
	}
}

func TestLogScanErrorCountsAsNoActivity(t *testing.T) {
	h := newHarness(t, 5*time.Minute)
	h.probe.scanErr = io.ErrUnexpectedEOF
	h.probe.activeAt[2] = true
	h.run(t)

	if h.down.calls != 1 || h.down.at[0] != 5 {
		t.Fatalf("shutdown calls=%d at=%v, want one at minute 5", h.down.calls, h.down.at)
	}
	if !strings.Contains(h.logs.String(), "activity scan failed") {
		t.Fatalf("missing scan failure log:\n%s", h.logs.String())
	}
}

func TestShutdownFailureRetriesNextCycle(t *testing.T) {
	h := newHarness(t, 5*time.Minute)
	h.down.fails = 2
	sink := &memSink{}
	h.m.SetRecorder(sink)
	h.run(t)

	if h.down.calls != 3 {
		t.Fatalf("shutdown calls = %d, want 3", h.down.calls)
	}
	if want := []int{5, 6, 7}; !equalInts(h.down.at, want) {
		t.Fatalf("shutdown attempts at %v, want %v", h.down.at, want)
	}
	if h.stop.calls != 1 {
		t.Fatalf("server stop calls = %d, want 1", h.stop.calls)
	}
	// the monitor stopped the server itself, so retries do not wait for it to be healthy
	if h.probe.healthCalls != 5 {
		t.Fatalf("health calls = %d, want 5", h.probe.healthCalls)
	}
	if n := strings.Count(h.logs.String(), "level=ERROR"); n != 2 {
		t.Fatalf("error lines = %d, want 2:\n%s", n, h.logs.String())
	}

	want := []history.EventType{history.EventStart, history.EventShutdownFailed, history.EventShutdownFailed, history.EventShutdown}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if st := h.m.Snapshot(); st.ShutdownAttempts != 3 || st.State != StateShuttingDown {
		t.Fatalf("snapshot = %+v", st)
	}
}

func TestServerStopFailureStillShutsDown(t *testing.T) {
	h := newHarness(t, 2*time.Minute)
	h.stop.err = errors.New("no such container")
	h.run(t)

	if h.down.calls != 1 {
		t.Fatalf("shutdown calls = %d, want 1", h.down.calls)
	}
	if !strings.Contains(h.logs.String(), "inference server stop failed") {
		t.Fatalf("missing stop failure log:\n%s", h.logs.String())
	}
}

func TestNilStopper(t *testing.T) {
	clock := newFakeClock()
	down := &fakeShutdowner{clock: clock}
	m, err := New(Config{IdleTimeout: time.Minute}, &fakeProbe{clock: clock}, nil, down)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetClock(clock)
	m.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if down.calls != 1 {
		t.Fatalf("shutdown calls = %d, want 1", down.calls)
	}
}

func TestActivityAfterFailedShutdownResetsIdleClock(t *testing.T) {
	tests := []struct {
		name      string
		stopper   *fakeStopper
		wantStops int
	}{
		{"no stopper", nil, 0},
		{"stop failed", &fakeStopper{err: errors.New("no such container")}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			probe := &fakeProbe{clock: clock, unhealthy: map[int]bool{}, activeAt: map[int]bool{}}
			for m := 6; m <= 20; m++ {
				probe.activeAt[m] = true
			}
			down := &fakeShutdowner{clock: clock, fails: 1}
			var stopper ServerStopper
			if tt.stopper != nil {
				stopper = tt.stopper
			}
			m, err := New(Config{IdleTimeout: 5 * time.Minute, PollInterval: time.Minute}, probe, stopper, down)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			m.SetClock(clock)
			m.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

			ctx := context.Background()
			for i := 0; i < 6; i++ {
				clock.After(time.Minute)
				m.Cycle(ctx)
			}
			if st := m.Snapshot(); st.PendingShutdown || st.State != StateMonitoring {
				t.Fatalf("after activity at minute 6: pending=%v state=%s", st.PendingShutdown, st.State)
			}

			if err := m.Run(ctx); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if want := []int{5, 25}; !equalInts(down.at, want) {
				t.Fatalf("shutdown attempts at %v, want %v", down.at, want)
			}
			if probe.scanCalls != 25 {
				t.Fatalf("scan calls = %d, want 25", probe.scanCalls)
			}
			if want := t0.Add(20 * time.Minute); !m.LastActivity().Equal(want) {
				t.Fatalf("last activity = %v, want %v", m.LastActivity(), want)
			}
			if tt.stopper != nil && tt.stopper.calls != tt.wantStops {
				t.Fatalf("server stop calls = %d, want %d", tt.stopper.calls, tt.wantStops)
			}
		})
	}
}

func TestCancelStopsWithoutShutdown(t *testing.T) {
	h := newHarness(t, 5*time.Minute)
	h.clock.block = true
	sink := &memSink{}
	h.m.SetRecorder(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.down.calls != 0 || h.probe.healthCalls != 0 {
		t.Fatalf("cancelled monitor did work: shutdown=%d health=%d", h.down.calls, h.probe.healthCalls)
	}
	if got := sink.types(); len(got) != 2 || got[1] != history.EventStop {
		t.Fatalf("events = %v, want start then stop", got)
	}
}

func TestCancelledCycleNeverShutsDown(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.clock.set(t0.Add(10 * time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := h.m.Cycle(ctx); got != StateMonitoring {
		t.Fatalf("state = %s, want %s", got, StateMonitoring)
	}
	if h.down.calls != 0 || h.stop.calls != 0 {
		t.Fatalf("cancelled cycle acted: shutdown=%d stop=%d", h.down.calls, h.stop.calls)
	}
}

func TestProbeCallsAreBounded(t *testing.T) {
	h := newHarness(t, 5*time.Minute)
	h.m.Cycle(context.Background())
	if !h.probe.sawDeadlines {
		t.Fatal("health check ran without a deadline")
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, 5*time.Minute)
	h.probe.activeAt[2] = true
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.clock.After(time.Minute)
		h.m.Cycle(ctx)
	}

	st := h.m.Snapshot()
	if st.State != StateMonitoring || !st.Enabled {
		t.Fatalf("state=%s enabled=%v", st.State, st.Enabled)
	}
	if st.Target != "vllm-server" || st.Host != "gpu-vm" {
		t.Fatalf("target=%q host=%q", st.Target, st.Host)
	}
	if !st.LastActivity.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("last activity = %v", st.LastActivity)
	}
	if st.IdleSeconds != 60 || st.IdleTimeoutSeconds != 300 {
		t.Fatalf("idle=%v timeout=%v", st.IdleSeconds, st.IdleTimeoutSeconds)
	}
	if st.Cycles != 3 || st.LastHealth != "healthy" || !st.StartedAt.Equal(t0) {
		t.Fatalf("snapshot = %+v", st)
	}
}

func TestNewValidation(t *testing.T) {
	clock := newFakeClock()
	probe := &fakeProbe{clock: clock}
	down := &fakeShutdowner{clock: clock}
	tests := []struct {
		name  string
		cfg   Config
		probe Probe
		down  Shutdowner
	}{
		{"negative idle timeout", Config{IdleTimeout: -time.Minute}, probe, down},
		{"negative poll interval", Config{IdleTimeout: time.Minute, PollInterval: -time.Second}, probe, down},
		{"negative check timeout", Config{IdleTimeout: time.Minute, CheckTimeout: -1}, probe, down},
		{"missing probe", Config{IdleTimeout: time.Minute}, nil, down},
		{"missing shutdowner", Config{IdleTimeout: time.Minute}, probe, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.probe, nil, tt.down)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	m, err := New(Config{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("disabled monitor needs no collaborators: %v", err)
	}
	cfg := m.Config()
	if cfg.PollInterval != DefaultPollInterval || cfg.CheckTimeout != DefaultCheckTimeout ||
		cfg.ActivityWindow != DefaultActivityWindow || cfg.StopTimeout != DefaultStopTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
