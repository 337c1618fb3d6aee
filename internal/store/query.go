// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/schema"
)

// GetMaxDate returns the maximum date-column value for tableKey, or ""
// when the table declares no date column, is unknown, or holds no dated
// rows. Those cases log a warning rather than failing: incremental callers
// treat "" as "fetch from the beginning".
func (db *DB) GetMaxDate(ctx context.Context, tableKey string) (string, error) {
	tbl, err := db.registry.Lookup(tableKey)
	if err != nil {
		var unknown *schema.UnknownTableError
		if errors.As(err, &unknown) {
			logging.Warn().Str("table_key", tableKey).Msg("max date requested for unknown table")
			return "", nil
		}
		return "", err
	}
	if tbl.DateCol == "" {
		logging.Warn().Str("table", tbl.Name).Msg("max date requested for table without date column")
		return "", nil
	}

	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var max sql.NullString
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", tbl.DateCol, tbl.Name)
	if err := db.conn.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return "", fmt.Errorf("max date for %s: %w", tbl.Name, err)
	}
	if !max.Valid {
		return "", nil
	}
	return max.String, nil
}

// GetAllSymbols returns the deduplicated, sorted set of tracked instrument
// codes from the symbol-universe table.
func (db *DB) GetAllSymbols(ctx context.Context) ([]string, error) {
	tbl, err := db.registry.Lookup(string(schema.TaskStockBasic))
	if err != nil {
		return nil, fmt.Errorf("symbol universe: %w", err)
	}

	ctx, cancel := ensureContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT DISTINCT ts_code FROM %s ORDER BY ts_code", tbl.Name)
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer closeQuietly(rows)

	var symbols []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate symbols: %w", err)
	}
	return symbols, nil
}

// CountRows returns the row count for tableKey's table.
func (db *DB) CountRows(ctx context.Context, tableKey string) (int64, error) {
	tbl, err := db.registry.Lookup(tableKey)
	if err != nil {
		return 0, err
	}

	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var n int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tbl.Name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", tbl.Name, err)
	}
	return n, nil
}
