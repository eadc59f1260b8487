package exporter

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanoa-mlops/idlewatch/internal/metrics"
)

type ollamaStub struct {
	versionCode int
	psCode      int
	tagsCalls   atomic.Int32
}

func (o *ollamaStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		if o.versionCode != 0 && o.versionCode != http.StatusOK {
			w.WriteHeader(o.versionCode)
			return
		}
		_, _ = io.WriteString(w, `{"version":"0.5.7"}`)
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		o.tagsCalls.Add(1)
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3:8b"},{"name":"qwen2.5:7b"},{"name":"nomic-embed-text"}]}`)
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		if o.psCode != 0 {
			w.WriteHeader(o.psCode)
			return
		}
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3:8b"}]}`)
	})
	return mux
}

func newExporter(t *testing.T, stub *ollamaStub) *Exporter {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	e := New(srv.URL+"/", time.Second)
	e.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e
}

func TestScrape_Up(t *testing.T) {
	e := newExporter(t, &ollamaStub{})
	s := e.Scrape(context.Background())
	assert.Equal(t, Sample{Up: true, Version: "0.5.7", Models: 3, ModelsOK: true, Running: 1, RunningOK: true}, s)
}

func TestScrape_PSNotFound(t *testing.T) {
	e := newExporter(t, &ollamaStub{psCode: http.StatusNotFound})
	s := e.Scrape(context.Background())
	assert.True(t, s.RunningOK)
	assert.Equal(t, 0, s.Running)
}

func TestScrape_PSError(t *testing.T) {
	e := newExporter(t, &ollamaStub{psCode: http.StatusInternalServerError})
	s := e.Scrape(context.Background())
	assert.False(t, s.RunningOK)
	assert.True(t, s.ModelsOK)
}

func TestScrape_VersionStatusNotOK(t *testing.T) {
	stub := &ollamaStub{versionCode: http.StatusServiceUnavailable}
	e := newExporter(t, stub)
	s := e.Scrape(context.Background())
	assert.False(t, s.Up)
	assert.True(t, s.ModelsOK, "reachable server is still scraped")
	assert.Equal(t, int32(1), stub.tagsCalls.Load())
}

func TestScrape_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	e := New(srv.URL, time.Second)
	e.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := e.Scrape(context.Background())
	assert.Equal(t, Sample{}, s)
}

func TestScrape_PublishesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.RegisterOllama(reg))

	e := newExporter(t, &ollamaStub{})
	e.Scrape(context.Background())

	expected := `
# HELP ollama_up Ollama service status (1=up, 0=down)
# TYPE ollama_up gauge
ollama_up 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ollama_up"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	stub := &ollamaStub{}
	e := newExporter(t, stub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return stub.tagsCalls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New("  ", 0)
	assert.Equal(t, DefaultHost, e.Host())
	assert.Equal(t, DefaultInterval, e.interval)
}
