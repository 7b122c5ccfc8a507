// Package admin implements pgvpd's admin HTTP surface: a single plain
// HTTP/1.1 listener with three read-only routes (spec.md §6 "Admin
// HTTP"). It performs no authorization — it is expected to be bound to
// localhost or a private interface.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgvpd/pgvpd/internal/metrics"
	"github.com/pgvpd/pgvpd/internal/pool"
)

// Server is the admin HTTP server.
type Server struct {
	metrics    *metrics.Collector
	poolMgr    *pool.Manager
	httpServer *http.Server
}

// NewServer builds an admin Server. poolMgr may be nil in passthrough
// mode, where there is no pool to report on. When poolMgr is non-nil,
// its bucket stats are also wired into the metrics Collector so the
// Prometheus /metrics text, not just this package's JSON /status route,
// reports per-bucket pool size and idle counts (spec.md §4.7).
func NewServer(m *metrics.Collector, poolMgr *pool.Manager) *Server {
	if poolMgr != nil {
		m.SetPoolStatsSource(poolMgr.Stats)
	}
	return &Server{metrics: m, poolMgr: poolMgr}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

// Start binds addr and begins serving in the background.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin server starting", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("admin server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bucketStatus struct {
	Total int `json:"total"`
	Idle  int `json:"idle"`
}

// statusHandler emits spec.md §6's `{connections_total, connections_active,
// pool: {<bucket>: {total, idle}}, resolvers: {...}}` snapshot.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()

	poolStatus := make(map[string]bucketStatus)
	if s.poolMgr != nil {
		for key, stats := range s.poolMgr.Stats() {
			poolStatus[key.String()] = bucketStatus{Total: stats.Total, Idle: stats.Idle}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections_total":  snap.ConnectionsTotal,
		"connections_active": snap.ConnectionsActive,
		"pool":               poolStatus,
		"resolvers":          snap.Resolvers,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
