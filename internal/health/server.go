package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/resilio/internal/cache"
	"github.com/vietddude/resilio/internal/preload"
	"github.com/vietddude/resilio/internal/retry"
)

// Status buckets for the aggregate health report.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Snapshot aggregates per-component stats for the detailed endpoint.
type Snapshot struct {
	Cache   cache.Stats   `json:"cache"`
	Retry   retry.Stats   `json:"retry"`
	Preload preload.Stats `json:"preload"`
}

// StatsSource supplies a snapshot on demand. The control service implements
// this.
type StatsSource interface {
	Stats(ctx context.Context) Snapshot
}

// Server provides HTTP endpoints for health monitoring and metrics.
type Server struct {
	source StatsSource
	server *http.Server
}

// NewServer creates a new health server.
func NewServer(source StatsSource, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		source: source,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Stats(r.Context())

	status := StatusHealthy
	// A cache that almost never hits under real traffic means the
	// resilience layer is not doing its job.
	lookups := snap.Cache.Hits + snap.Cache.Misses
	if lookups >= 100 && snap.Cache.HitRate < 0.1 {
		status = StatusDegraded
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Stats(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
