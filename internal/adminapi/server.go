// Package adminapi exposes mxgateway's read-only operator surface:
// health, process status, a snapshot of active client sessions, and
// Prometheus metrics. No tenant CRUD, pause/resume, or HTML dashboard;
// this gateway has no multi-tenant router to administer.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydb/mxgateway/internal/metrics"
	"github.com/relaydb/mxgateway/internal/sessions"
)

// Server is mxgateway's HTTP admin/metrics listener.
type Server struct {
	sessions   *sessions.Registry
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates an admin API server bound to the given session
// registry and metrics collector.
func NewServer(reg *sessions.Registry, m *metrics.Collector) *Server {
	return &Server{
		sessions:  reg,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start begins serving on addr. Non-blocking: ListenAndServe runs in
// its own goroutine.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/sessions", s.sessionsHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       float64(mem.Alloc) / 1024 / 1024,
		"active_sessions": s.sessions.Len(),
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("adminapi: writing JSON response failed", "err", err)
	}
}
