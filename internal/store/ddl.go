// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jywei/tickflow/internal/logging"
)

// duckType translates a declared logical column type into DuckDB's native
// type. Unrecognized types default to VARCHAR.
func duckType(logical string) string {
	switch strings.ToUpper(logical) {
	case "TEXT":
		return "VARCHAR"
	case "REAL":
		return "DOUBLE"
	case "INTEGER":
		return "INTEGER"
	case "DATE":
		return "DATE"
	case "BOOLEAN":
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

// CreateTable creates the table for tableKey if it does not exist. The
// PRIMARY KEY clause is generated from the same registry the upsert path
// uses, so the physical constraint always matches the declared one.
func (db *DB) CreateTable(ctx context.Context, tableKey string) error {
	tbl, err := db.registry.Lookup(tableKey)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", tbl.Name)
	for i, col := range tbl.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", col.Name, duckType(col.Type))
	}
	if len(tbl.PrimaryKey) > 0 {
		fmt.Fprintf(&b, ", PRIMARY KEY (%s)", strings.Join(tbl.PrimaryKey, ", "))
	}
	b.WriteString(")")

	if _, err := db.conn.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("create table %s: %w", tbl.Name, err)
	}
	logging.Debug().Str("table", tbl.Name).Msg("table ensured")
	return nil
}

// CreateAllTables creates every table the registry declares.
func (db *DB) CreateAllTables(ctx context.Context) error {
	for _, key := range db.registry.Keys() {
		if err := db.CreateTable(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
