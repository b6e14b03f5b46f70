// Package server exposes the collector's liveness endpoint. One
// process, one port, one route: GET /healthz.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/hktick/internal/common"
)

// Status is the /healthz response body.
type Status struct {
	Status     string  `json:"status"`
	LastTickTS *string `json:"last_tick_ts"`
	QueueSize  int     `json:"queue_size"`
	Connected  bool    `json:"connected"`
}

// StatusFunc supplies the current pipeline view for each request.
type StatusFunc func() Status

// Server wraps the HTTP listener for the health endpoint.
type Server struct {
	server *http.Server
	logger *common.Logger
}

// NewServer builds the health server; status is called per request.
func NewServer(cfg common.HealthConfig, status StatusFunc, logger *common.Logger) *Server {
	s := &Server{logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler(status))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      applyMiddleware(mux, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens in the background. A listen failure is logged, not
// fatal: losing /healthz must never take the collector down.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("health endpoint listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("health endpoint failed")
		}
	}()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			s.logger.Warn().Err(err).Msg("health response write failed")
		}
	}
}
