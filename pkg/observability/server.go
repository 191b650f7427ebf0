// Package observability exposes an Environment over HTTP: Prometheus
// metrics built from Environment.Stats and health probes.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
	port       int
	checker    *HealthChecker
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// NewServer creates a server for the given health checker and metrics.
func NewServer(port int, checker *HealthChecker, g prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:     port,
		checker:  checker,
		gatherer: g,
		logger:   logger.With("component", "observability"),
	}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler(s.checker))
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler(s.checker))
	mux.Handle("/metrics", MetricsHandler(s.gatherer))
	return mux
}

// Start listens on the configured port and serves until Shutdown. It
// returns once the listener is open; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("observability listener: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("observability server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observability server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
