package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors for the idle monitor. They are registered via Register.
var (
	regOK atomic.Bool

	cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Number of completed poll cycles.",
		},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "monitor",
			Name:      "health_checks_total",
			Help:      "Health checks against the inference server by result (healthy, unhealthy, error).",
		}, []string{"result"},
	)
	activityDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "monitor",
			Name:      "activity_detected_total",
			Help:      "Cycles in which at least one inference request was found in the log window.",
		},
	)
	logScanErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "monitor",
			Name:      "log_scan_errors_total",
			Help:      "Cycles whose log fetch or scan failed and counted as no activity.",
		},
	)
	shutdownAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlewatch",
			Subsystem: "monitor",
			Name:      "shutdown_attempts_total",
			Help:      "Host shutdown attempts by result (ok, error).",
		}, []string{"result"},
	)
	idleSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "idlewatch",
			Subsystem: "monitor",
			Name:      "idle_seconds",
			Help:      "Seconds since the last detected inference request, as of the last cycle.",
		},
	)
	lastActivity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "idlewatch",
			Subsystem: "monitor",
			Name:      "last_activity_timestamp_seconds",
			Help:      "Unix time of the last detected inference request (process start if none).",
		},
	)
	monitorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "idlewatch",
			Subsystem: "monitor",
			Name:      "state",
			Help:      "Current monitor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all monitor metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{cycles, healthChecks, activityDetected, logScanErrors, shutdownAttempts, idleSeconds, lastActivity, monitorState}
	if err := registerAll(r, cs); err != nil {
		return err
	}
	regOK.Store(true)
	return nil
}

func registerAll(r prometheus.Registerer, cs []prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCycle() {
	if regOK.Load() {
		cycles.Inc()
	}
}

func ObserveHealth(result string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(result).Inc()
	}
}

func IncActivity() {
	if regOK.Load() {
		activityDetected.Inc()
	}
}

func IncLogScanError() {
	if regOK.Load() {
		logScanErrors.Inc()
	}
}

func IncShutdownAttempt(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		shutdownAttempts.WithLabelValues(result).Inc()
	}
}

func SetIdle(seconds float64, lastActivityUnix float64) {
	if regOK.Load() {
		idleSeconds.Set(seconds)
		lastActivity.Set(lastActivityUnix)
	}
}

// SetState marks current as the only active state among all.
func SetState(current string, all ...string) {
	if regOK.Load() {
		for _, s := range all {
			v := 0.0
			if s == current {
				v = 1
			}
			monitorState.WithLabelValues(s).Set(v)
		}
	}
}
