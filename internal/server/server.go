// Package server exposes the node's debug and status HTTP surface: the
// scheduler state dump, runtime stats, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/spsched/internal/sps"
)

// Server is the debug/status HTTP server.
type Server struct {
	sched      *sps.Scheduler
	registry   *prometheus.Registry
	nodeID     string
	httpServer *http.Server
	log        *slog.Logger
}

// New builds the server for one scheduler.
func New(addr, nodeID string, sched *sps.Scheduler, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sched:    sched,
		registry: registry,
		nodeID:   nodeID,
		log:      logger.With("component", "debug-server"),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/debug/state", s.handleState)
	r.Get("/debug/runtime", s.handleRuntime)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. It returns once the listener fails or closes.
func (s *Server) Start() error {
	s.log.Info("debug server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": s.nodeID})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.StateSnapshot())
}

type runtimeStats struct {
	Goroutines int    `json:"goroutines"`
	GoMaxProcs int    `json:"gomaxprocs"`
	HeapInuse  int64  `json:"heap_inuse_bytes"`
	StackInuse int64  `json:"stack_inuse_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeJSON(w, http.StatusOK, runtimeStats{
		Goroutines: runtime.NumGoroutine(),
		GoMaxProcs: runtime.GOMAXPROCS(0),
		HeapInuse:  int64(m.HeapInuse),
		StackInuse: int64(m.StackInuse),
		NumGC:      m.NumGC,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
