// Package debugapi exposes a pgclient pool's operational state over HTTP:
// Prometheus metrics, a JSON status endpoint, and a liveness/readiness
// probe, adapted from the teacher's internal/api.Server (gorilla/mux router,
// writeJSON/writeError helpers, /status and /health handlers) but scoped to
// the single pool a Client owns instead of a tenant registry — there is no
// tenant CRUD surface here because pgclient has exactly one endpoint per
// Client (spec.md §6).
package debugapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/pgclient/internal/metrics"
	"github.com/dbbouncer/pgclient/internal/pool"
)

// Server is the debug/introspection HTTP server for one pgclient Client.
type Server struct {
	pool       *pool.Pool
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// NewServer builds a debug server over p, reporting metrics registered on m.
func NewServer(p *pool.Pool, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pool: p, metrics: m, startTime: time.Now(), logger: logger}
}

// Start begins serving on bind:port. It returns once the listener is set up;
// the HTTP server itself runs in a background goroutine until Stop is called.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debugapi: listening on %s: %w", addr, err)
	}

	s.logger.Info("debugapi: listening", "addr", addr)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("debugapi: server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the debug server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := s.pool.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"pool": map[string]any{
			"idle":     stats.Idle,
			"leased":   stats.Leased,
			"pingpong": stats.PingPong,
			"total":    stats.Total,
			"waiting":  stats.Waiting,
		},
	})
}

// healthHandler reports unhealthy (503) when the pool has no usable
// connections and callers are queued waiting for one — the closest signal a
// single-pool client has to the teacher's per-tenant health.Checker without
// pgclient carrying its own separate health subsystem (SPEC_FULL.md's
// decision to fold keepalive health into the pool itself, see DESIGN.md).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	healthy := stats.Total > 0 || stats.Waiting == 0

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status": boolToStatus(healthy),
		"pool":   stats,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	if stats.Idle > 0 || stats.Leased > 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
