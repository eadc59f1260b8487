package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kanoa-mlops/idlewatch/internal/idle"
	"github.com/kanoa-mlops/idlewatch/internal/metrics"
)

// StatusSource is satisfied by *idle.Monitor.
type StatusSource interface {
	Snapshot() idle.Status
}

// Router provides the read-only operator endpoints of the daemon.
// Endpoints:
//   GET {basePath}/status    monitor snapshot JSON
//   GET {basePath}/healthz   200 while monitoring, 503 once host shutdown has started
//   GET {basePath}/metrics   Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer builds an HTTP server for addr using this router. The caller runs it.
func NewServer(addr, basePath string, src StatusSource) *http.Server {
	r := NewRouter(src, basePath)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewMetricsServer serves only GET /metrics on addr. The exporter uses it to expose its
// gauges on their own port.
func NewMetricsServer(addr string) *http.Server {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}

func (r *Router) handleHealthz(c *gin.Context) {
	if r.src.Snapshot().State == idle.StateShuttingDown {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "host shutdown in progress"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
