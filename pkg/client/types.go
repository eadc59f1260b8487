package client

import "time"

// Status is the monitor snapshot served at GET /status.
type Status struct {
	State              string    `json:"state"`
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

// Idle returns the idle duration as of the snapshot.
func (s Status) Idle() time.Duration {
	return time.Duration(s.IdleSeconds * float64(time.Second))
}

// Remaining is the time left before the idle timeout is reached, never negative.
func (s Status) Remaining() time.Duration {
	d := time.Duration((s.IdleTimeoutSeconds - s.IdleSeconds) * float64(time.Second))
	if d < 0 {
		return 0
	}
	return d
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
