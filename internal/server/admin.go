// Package server implements timelined's HTTP admin/stats surface
// (spec.md §6 "one RPC port... and one HTTP admin/stats port"),
// grounded on the teacher's metrics server
// (storage-node/internal/server/metrics_server.go): a single
// *http.Server multiplexing /metrics, /health/live, and /health/ready.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/health"
)

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Port int
}

// AdminServer serves Prometheus metrics and health probes on one port.
type AdminServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewAdminServer builds an AdminServer bound to cfg.Port, wiring the
// Prometheus handler and checker's liveness/readiness handlers.
func NewAdminServer(cfg AdminConfig, checker *health.Checker, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health/live", checker.LivenessHandler)
	mux.HandleFunc("/health/ready", checker.ReadinessHandler)

	return &AdminServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Serve blocks serving HTTP until ctx is done, then gracefully shuts down.
func (s *AdminServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
