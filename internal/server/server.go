// Package server implements the HTTP surface of RepoPilot.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server wraps an HTTP server with a port pre-flight check and graceful
// shutdown.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// New creates the server around the given handler.
func New(host string, port int, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// PreflightCheck verifies the configured port can be bound, failing fast with
// a clear message when it is already taken.
func (s *Server) PreflightCheck() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s (is another instance running?): %w", s.server.Addr, err)
	}
	return ln.Close()
}

// Start serves until shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down with a 30-second deadline.
func (s *Server) Stop() error {
	s.logger.Info("shutting down HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
