// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package store

import (
	"context"
	"testing"

	"github.com/jywei/tickflow/internal/frame"
)

func seedStockBasic(t *testing.T, db *DB, codes ...string) {
	t.Helper()
	f := frame.New("ts_code", "symbol", "name", "area", "industry", "market", "list_status", "list_date", "is_hs")
	for _, code := range codes {
		if err := f.AppendRow(code, code[:6], "Test Co", "SZ", "Bank", "main", "L", "19910403", "N"); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Upsert(context.Background(), "stock_basic", f); err != nil {
		t.Fatal(err)
	}
}

func TestGetMaxDate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Empty table: no rows means no max date.
	got, err := db.GetMaxDate(ctx, "adj_factor")
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("GetMaxDate(empty table) = %q, want empty", got)
	}

	rows := adjFactorRows(t,
		[3]any{"000001.SZ", "20240103", 1.0},
		[3]any{"000001.SZ", "20240105", 1.1},
		[3]any{"000002.SZ", "20240104", 2.0},
	)
	if err := db.Upsert(ctx, "adj_factor", rows); err != nil {
		t.Fatal(err)
	}

	got, err = db.GetMaxDate(ctx, "adj_factor")
	if err != nil {
		t.Fatal(err)
	}
	if got != "20240105" {
		t.Errorf("GetMaxDate() = %q, want 20240105", got)
	}
}

// TestGetMaxDate_NoDateColumn: a table without a declared date column
// yields an empty result and a warning, never an error.
func TestGetMaxDate_NoDateColumn(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetMaxDate(context.Background(), "stock_basic")
	if err != nil {
		t.Fatalf("GetMaxDate(stock_basic) error = %v, want nil", err)
	}
	if got != "" {
		t.Errorf("GetMaxDate(stock_basic) = %q, want empty", got)
	}
}

func TestGetMaxDate_UnknownTable(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetMaxDate(context.Background(), "no_such_table")
	if err != nil {
		t.Fatalf("GetMaxDate(unknown) error = %v, want nil", err)
	}
	if got != "" {
		t.Errorf("GetMaxDate(unknown) = %q, want empty", got)
	}
}

func TestGetAllSymbols(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	symbols, err := db.GetAllSymbols(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 0 {
		t.Errorf("symbols from empty universe = %v, want none", symbols)
	}

	seedStockBasic(t, db, "600000.SH", "000001.SZ", "000002.SZ")

	symbols, err = db.GetAllSymbols(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"000001.SZ", "000002.SZ", "600000.SH"}
	if len(symbols) != len(want) {
		t.Fatalf("symbols = %v, want %v", symbols, want)
	}
	for i := range want {
		if symbols[i] != want[i] {
			t.Errorf("symbols[%d] = %q, want %q (sorted)", i, symbols[i], want[i])
		}
	}
}
