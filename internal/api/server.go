// Package api is the HTTP shell over the dispatch core: job submission,
// stats, health probes, and Prometheus metrics. Submission and stats
// routes sit behind service-token auth; probes and metrics stay open.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/email-dispatch/internal/auth"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

// Server represents the API server
type Server struct {
	handler  http.Handler
	handlers *Handlers
	server   *http.Server
	authn    *auth.Authenticator
	router   *chi.Mux
	checker  *HealthChecker
}

// NewServer creates a new API server
func NewServer(handlers *Handlers, authn *auth.Authenticator, checker *HealthChecker) *Server {
	router := SetupRoutes(handlers, authn, checker)

	return &Server{
		handler:  router,
		handlers: handlers,
		authn:    authn,
		router:   router,
		checker:  checker,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Submission bodies are small JSON; tight timeouts keep slow
		// clients from pinning connections.
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("http server listening", "addr", addr, "auth_enabled", s.authn.Enabled())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
