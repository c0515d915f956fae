// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synopticon/distribution/session"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Sessions is the part of the session manager the server reports on.
type Sessions interface {
	ListSessions() []string
	GetSessionStatus(id string) (session.Status, error)
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	sessions Sessions
	logger   *slog.Logger
	server   *http.Server
	draining atomic.Bool

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		sessions: sessions,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/{id}", s.handleSession)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address.
// Returns empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Drain marks the service as not ready while it shuts down.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Unhealthy int    `json:"unhealthy_distributors"`
	Details   string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Unhealthy distributors are reported but do not fail readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "session manager not initialized",
		})
		return
	}
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "shutting down",
		})
		return
	}

	resp := ReadyResponse{Status: "ready"}
	for _, st := range s.statuses() {
		resp.Sessions++
		for _, d := range st.Distributors {
			if !d.Health.Status.Healthy() {
				resp.Unhealthy++
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SessionsResponse lists open sessions.
type SessionsResponse struct {
	Sessions []session.Status `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		http.Error(w, "session manager not initialized", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: s.statuses()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		http.Error(w, "session manager not initialized", http.StatusServiceUnavailable)
		return
	}

	st, err := s.sessions.GetSessionStatus(r.PathValue("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// statuses skips sessions closed between listing and lookup.
func (s *Server) statuses() []session.Status {
	ids := s.sessions.ListSessions()
	out := make([]session.Status, 0, len(ids))
	for _, id := range ids {
		st, err := s.sessions.GetSessionStatus(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
