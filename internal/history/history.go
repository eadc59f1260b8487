package history

import (
	"context"
	"time"
)

// EventType defines the kind of monitor decision being recorded.
type EventType string

const (
	EventStart          EventType = "start"
	EventDisabled       EventType = "disabled"
	EventActivity       EventType = "activity"
	EventShutdown       EventType = "shutdown"
	EventShutdownFailed EventType = "shutdown_failed"
	EventStop           EventType = "stop"
)

// Event is one audit record: what the monitor decided and the idle figures it decided on.
type Event struct {
	Type         EventType     `json:"type"`
	OccurredAt   time.Time     `json:"occurred_at"`
	Host         string        `json:"host"`
	Target       string        `json:"target"`
	LastActivity time.Time     `json:"last_activity"`
	Idle         time.Duration `json:"idle"`
	Message      string        `json:"message,omitempty"`
}

// OpenTimeout bounds the connection check a network sink makes when it is opened,
// so an unreachable audit database cannot hold up the monitor.
const OpenTimeout = 5 * time.Second

// Sink is a destination for audit events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
