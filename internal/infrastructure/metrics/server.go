// Package metrics serves the Prometheus scrape endpoint the OTel exporter
// (pkg/telemetry) feeds. Adapted from the teacher's
// internal/infrastructure/metrics/server.go, generalized from a
// Start()/Stop(ctx) pair into a single blocking Run(ctx) so it satisfies
// bootstrap.Runner and lives under the same errgroup as every other
// background loop.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execcore/internal/core"
)

// Server serves /metrics for a Prometheus scraper.
type Server struct {
	port   int
	logger core.ILogger
	srv    *http.Server
}

// NewServer constructs a Server bound to port.
func NewServer(port int, logger core.ILogger) *Server {
	return &Server{port: port, logger: logger.WithField("component", "metrics_server")}
}

// Run starts the metrics HTTP server and blocks until ctx is cancelled, then
// shuts it down within a bounded window.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("stopping metrics server")
		return s.srv.Shutdown(shutdownCtx)
	}
}
