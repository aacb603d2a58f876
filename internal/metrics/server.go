// Package metrics serves Prometheus metrics and health checks for rcond over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures the metrics HTTP server.
type Config struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string

	// Port is the TCP port to bind. 0 picks a free port.
	Port int
}

// Server provides the metrics HTTP server.
type Server struct {
	cfg    Config
	server *http.Server
	logger *slog.Logger

	mu           sync.Mutex
	ln           net.Listener
	shutdownOnce sync.Once
}

// NewServer creates a metrics server in a stopped state. Call Start to begin serving.
//
// The logger may be nil.
func NewServer(cfg Config, gatherer prometheus.Gatherer, status Status, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Handler:           NewRouter(gatherer, status, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start binds the listener and serves requests in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("metrics server failed to listen: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("metrics server listening", "addr", ln.Addr().String())
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("metrics server failed", "error", err)
			}
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop gracefully shuts the server down. It is safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
			return
		}
		if s.logger != nil {
			s.logger.Info("metrics server stopped")
		}
	})
	return shutdownErr
}
