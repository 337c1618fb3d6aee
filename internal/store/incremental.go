// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package store

import (
	"context"
	"fmt"

	"github.com/jywei/tickflow/internal/frame"
	"github.com/jywei/tickflow/internal/logging"
)

// SaveIncremental merges a buffered batch into dataType's table. It is the
// buffer pool's Sink: rows arrive pre-deduplicated by dateCol, so repeated
// delivery of the same content converges through the upsert path.
func (db *DB) SaveIncremental(ctx context.Context, rows *frame.Frame, dataType, entityID, dateCol string) error {
	if rows.Empty() {
		return nil
	}
	if err := db.Upsert(ctx, dataType, rows); err != nil {
		return fmt.Errorf("incremental save %s/%s: %w", dataType, entityID, err)
	}
	logging.Debug().
		Str("data_type", dataType).
		Str("entity_id", entityID).
		Str("date_col", dateCol).
		Int("rows", rows.NumRows()).
		Msg("incremental save committed")
	return nil
}
