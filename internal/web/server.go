// Package web is the read-only ops surface: health, scheduler status, cached
// statistics, and Prometheus metrics. It never touches the primary store
// directly.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/howpoorru/howpoorru/internal/scheduler"
	"github.com/howpoorru/howpoorru/internal/stats"
)

// StatsReader serves the cached statistics snapshot.
type StatsReader interface {
	Snapshot(ctx context.Context) (*stats.Snapshot, error)
}

type Server struct {
	router *mux.Router
	server *http.Server
	sched  *scheduler.Scheduler
	stats  StatsReader
	log    zerolog.Logger
}

func NewServer(addr string, sched *scheduler.Scheduler, st StatsReader, reg *prometheus.Registry, log zerolog.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		sched:  sched,
		stats:  st,
		log:    log,
	}

	s.router.Use(s.requestIDMiddleware)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": s.sched.GetStatus(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("stats snapshot failed")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "statistics unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
