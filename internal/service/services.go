package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/kanoa-mlops/idlewatch/internal/exporter"
	"github.com/kanoa-mlops/idlewatch/internal/idle"
)

// MonitorService runs the idle monitor. When the monitor finishes on its own (host
// shutdown initiated, or disabled) the whole tree is terminated so the process exits.
type MonitorService struct {
	m *idle.Monitor
}

func NewMonitorService(m *idle.Monitor) *MonitorService { return &MonitorService{m: m} }

func (s *MonitorService) Serve(ctx context.Context) error {
	if err := s.m.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return suture.ErrTerminateSupervisorTree
}

func (s *MonitorService) String() string { return "idle-monitor" }

// HTTPServer matches *http.Server lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// TLSServer serves HTTPS with the certificate supplied by the server's TLSConfig.
type TLSServer struct {
	*http.Server
}

func (s TLSServer) ListenAndServe() error { return s.ListenAndServeTLS("", "") }

// HTTPService wraps an HTTP server as a supervised service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, name: name}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		// the original ctx is already cancelled
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return h.name }

// ExporterService runs the Ollama exporter loop.
type ExporterService struct {
	e *exporter.Exporter
}

func NewExporterService(e *exporter.Exporter) *ExporterService { return &ExporterService{e: e} }

func (s *ExporterService) Serve(ctx context.Context) error {
	if err := s.e.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *ExporterService) String() string { return "ollama-exporter" }
