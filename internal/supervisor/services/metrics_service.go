// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jywei/tickflow/internal/logging"
)

// MetricsService exposes the Prometheus registry over HTTP.
type MetricsService struct {
	listen string
}

// NewMetricsService creates a metrics endpoint on listen, e.g. ":9109".
func NewMetricsService(listen string) *MetricsService {
	return &MetricsService{listen: listen}
}

// Serve runs the /metrics endpoint until ctx is canceled, then shuts the
// server down gracefully.
func (s *MetricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              s.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.Info().Str("listen", s.listen).Msg("metrics endpoint up")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("metrics server shutdown failed")
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *MetricsService) String() string {
	return "metrics[" + s.listen + "]"
}
