// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/store"
)

// MetadataService periodically reconciles the DuckDB tables with the
// on-disk parquet layout.
type MetadataService struct {
	sync     *store.MetadataSync
	interval time.Duration
}

// NewMetadataService creates a metadata sync service ticking at interval.
func NewMetadataService(sync *store.MetadataSync, interval time.Duration) *MetadataService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &MetadataService{sync: sync, interval: interval}
}

// Serve syncs once at start, then on each tick until ctx is canceled.
// A failed sync logs and waits for the next tick; the export is
// overwrite-converging, so a retry repairs any partial state.
func (s *MetadataService) Serve(ctx context.Context) error {
	if err := s.sync.Sync(ctx); err != nil {
		logging.Warn().Err(err).Msg("initial metadata sync failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sync.Sync(ctx); err != nil {
				logging.Warn().Err(err).Msg("metadata sync failed")
			}
		}
	}
}

func (s *MetadataService) String() string {
	return fmt.Sprintf("metadata-sync[%s]", s.interval)
}
