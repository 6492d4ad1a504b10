package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/roamd/internal/logging"
)

// Server exposes the Prometheus registry over HTTP.
type Server struct {
	listen string
	logger *logging.Logger
	srv    *http.Server
	ln     net.Listener
}

// NewServer creates a metrics server bound to listen, typically
// "127.0.0.1:9477".
func NewServer(listen string, logger *logging.Logger) *Server {
	return &Server{
		listen: listen,
		logger: logger.WithComponent("metrics"),
	}
}

// Start binds the listen address and begins serving /metrics in the
// background. Bind failures are returned so the caller can refuse to
// start with a broken config.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.listen, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()

	s.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight scrapes and closes the listener.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
