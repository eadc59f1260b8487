package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kanoa-mlops/idlewatch/internal/metrics"
)

const (
	DefaultHost     = "http://localhost:11434"
	DefaultInterval = 15 * time.Second

	requestTimeout = 5 * time.Second
	maxBody        = 4 << 20
)

var errNotFound = errors.New("not found")

// Sample is the result of one scrape. Models and Running are only meaningful when
// the matching OK flag is set; failed calls leave the previous gauge values alone.
type Sample struct {
	Up        bool
	Version   string
	Models    int
	ModelsOK  bool
	Running   int
	RunningOK bool
}

// Exporter polls the Ollama HTTP API and publishes the ollama_* gauges.
type Exporter struct {
	host     string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

func New(host string, interval time.Duration) *Exporter {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = DefaultHost
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Exporter{
		host:     host,
		interval: interval,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   slog.Default(),
	}
}

func (e *Exporter) SetLogger(l *slog.Logger) {
	if l != nil {
		e.logger = l
	}
}

func (e *Exporter) SetHTTPClient(c *http.Client) {
	if c != nil {
		e.client = c
	}
}

func (e *Exporter) Host() string { return e.host }

// Run scrapes immediately and then every interval until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	e.logger.Info("ollama exporter started", slog.String("host", e.host), slog.Duration("interval", e.interval))
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		e.Scrape(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Scrape runs one round: version first, then the model lists. When the version
// endpoint is unreachable the other calls are skipped.
func (e *Exporter) Scrape(ctx context.Context) Sample {
	var s Sample

	var version struct {
		Version string `json:"version"`
	}
	err := e.getJSON(ctx, "/api/version", &version)
	var status statusError
	switch {
	case err == nil:
		s.Up = true
		s.Version = version.Version
		if s.Version == "" {
			s.Version = "unknown"
		}
	case errors.As(err, &status):
		// reachable but not ready; the model calls may still answer
		e.logger.Debug("ollama version check failed", slog.Any("error", err))
	default:
		e.logger.Debug("ollama unreachable", slog.Any("error", err))
		e.publish(s)
		return s
	}

	var models struct {
		Models []json.RawMessage `json:"models"`
	}
	if err := e.getJSON(ctx, "/api/tags", &models); err == nil {
		s.Models, s.ModelsOK = len(models.Models), true
	} else {
		e.logger.Debug("ollama tags scrape failed", slog.Any("error", err))
	}

	models.Models = nil
	switch err := e.getJSON(ctx, "/api/ps", &models); {
	case err == nil:
		s.Running, s.RunningOK = len(models.Models), true
	case errors.Is(err, errNotFound):
		// older Ollama versions have no /api/ps
		s.Running, s.RunningOK = 0, true
	default:
		e.logger.Debug("ollama ps scrape failed", slog.Any("error", err))
	}

	e.publish(s)
	return s
}

func (e *Exporter) publish(s Sample) {
	metrics.SetOllamaUp(s.Up)
	if s.Up {
		metrics.SetOllamaVersion(s.Version)
	}
	if s.ModelsOK {
		metrics.SetOllamaModels(s.Models)
	}
	if s.RunningOK {
		metrics.SetOllamaRunning(s.Running)
	}
}

type statusError struct {
	path string
	code int
}

func (e statusError) Error() string { return fmt.Sprintf("GET %s: status %d", e.path, e.code) }

func (e statusError) Is(target error) bool {
	return target == errNotFound && e.code == http.StatusNotFound
}

func (e *Exporter) getJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.host+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return statusError{path: path, code: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
