package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/kanoa-mlops/idlewatch/internal/detector"
)

// Probe answers the two questions the idle monitor asks each cycle:
// is the server serving, and did it handle any request in the trailing window.
type Probe struct {
	Health  detector.Detector
	Logs    Source
	Matcher *Matcher
}

func NewProbe(health detector.Detector, logs Source, m *Matcher) *Probe {
	return &Probe{Health: health, Logs: logs, Matcher: m}
}

func (p *Probe) Healthy(ctx context.Context) (bool, error) {
	return p.Health.Alive(ctx)
}

func (p *Probe) RecentActivity(ctx context.Context, window time.Duration) (bool, error) {
	rc, err := p.Logs.Logs(ctx, window)
	if err != nil {
		return false, fmt.Errorf("fetch logs: %w", err)
	}
	defer func() { _ = rc.Close() }()
	matched, err := p.Matcher.Scan(rc)
	if err != nil {
		return matched, fmt.Errorf("scan logs: %w", err)
	}
	return matched, nil
}

func (p *Probe) Describe() string {
	return fmt.Sprintf("%s; activity=%s", p.Health.Describe(), p.Matcher)
}
