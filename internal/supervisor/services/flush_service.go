// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package services adapts the pipeline's background loops to the
// suture.Service interface so the supervisor tree owns their lifecycle.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jywei/tickflow/internal/buffer"
	"github.com/jywei/tickflow/internal/logging"
)

// FlushService periodically flushes the buffer pool. It replaces the
// pool's internal auto-flush timer when the pool runs under supervision,
// so restart and shutdown semantics live in one place.
type FlushService struct {
	pool     *buffer.Pool
	interval time.Duration
}

// NewFlushService creates a flush service ticking at interval.
func NewFlushService(pool *buffer.Pool, interval time.Duration) *FlushService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FlushService{pool: pool, interval: interval}
}

// Serve flushes on each tick until ctx is canceled. Flush failures are
// logged and retried on the next tick rather than crashing the service:
// the pool already restored the failed entries.
func (s *FlushService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.pool.FlushAll(ctx); err != nil {
				logging.Warn().Err(err).Msg("supervised buffer flush had failures")
			}
		}
	}
}

func (s *FlushService) String() string {
	return fmt.Sprintf("buffer-flush[%s]", s.interval)
}
