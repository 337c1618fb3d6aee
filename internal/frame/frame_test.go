// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package frame

import (
	"testing"
)

func mustAppend(t *testing.T, f *Frame, values ...any) {
	t.Helper()
	if err := f.AppendRow(values...); err != nil {
		t.Fatalf("AppendRow(%v) error = %v", values, err)
	}
}

func TestFrame_AppendRow_ArityMismatch(t *testing.T) {
	f := New("ts_code", "trade_date")
	if err := f.AppendRow("000001.SZ"); err == nil {
		t.Fatal("AppendRow() with wrong arity, want error")
	}
}

func TestFrame_NilSafety(t *testing.T) {
	var f *Frame
	if f.NumRows() != 0 {
		t.Errorf("nil NumRows() = %d, want 0", f.NumRows())
	}
	if !f.Empty() {
		t.Error("nil Empty() = false, want true")
	}
	if f.HasColumn("x") {
		t.Error("nil HasColumn() = true, want false")
	}
	if f.MemSize() != 0 {
		t.Errorf("nil MemSize() = %d, want 0", f.MemSize())
	}
	if f.Clone() != nil {
		t.Error("nil Clone() != nil")
	}
}

func TestFrame_Clone_Independent(t *testing.T) {
	f := New("ts_code", "close")
	mustAppend(t, f, "000001.SZ", 10.5)

	c := f.Clone()
	c.rows[0][1] = 99.9

	if got := f.Value(0, "close"); got != 10.5 {
		t.Errorf("original mutated through clone: close = %v", got)
	}
}

func TestFrame_Append_RemapsColumns(t *testing.T) {
	f := New("ts_code", "close")
	mustAppend(t, f, "000001.SZ", 10.5)

	other := New("close", "ts_code")
	mustAppend(t, other, 11.0, "000002.SZ")

	if err := f.Append(other); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if f.NumRows() != 2 {
		t.Fatalf("NumRows() = %d, want 2", f.NumRows())
	}
	if got := f.Value(1, "ts_code"); got != "000002.SZ" {
		t.Errorf("remapped ts_code = %v, want 000002.SZ", got)
	}
	if got := f.Value(1, "close"); got != 11.0 {
		t.Errorf("remapped close = %v, want 11.0", got)
	}
}

func TestFrame_Append_ColumnMismatch(t *testing.T) {
	f := New("ts_code", "close")
	other := New("ts_code", "open")
	mustAppend(t, other, "000001.SZ", 9.8)

	if err := f.Append(other); err == nil {
		t.Fatal("Append() with mismatched columns, want error")
	}
}

func TestFrame_SortBy(t *testing.T) {
	f := New("trade_date", "close")
	mustAppend(t, f, "20240105", 3.0)
	mustAppend(t, f, "20240103", 1.0)
	mustAppend(t, f, "20240104", 2.0)

	f.SortBy("trade_date")

	want := []string{"20240103", "20240104", "20240105"}
	for i, w := range want {
		if got := f.Value(i, "trade_date"); got != w {
			t.Errorf("row %d trade_date = %v, want %s", i, got, w)
		}
	}
}

func TestFrame_SortBy_MissingColumn(t *testing.T) {
	f := New("a")
	mustAppend(t, f, "2")
	mustAppend(t, f, "1")

	f.SortBy("nope")

	if got := f.Value(0, "a"); got != "2" {
		t.Errorf("SortBy on missing column reordered rows: %v", got)
	}
}

func TestFrame_DedupBy_KeepsLast(t *testing.T) {
	f := New("trade_date", "close")
	mustAppend(t, f, "20240103", 1.0)
	mustAppend(t, f, "20240104", 2.0)
	mustAppend(t, f, "20240103", 9.0) // later duplicate wins

	f.DedupBy("trade_date")

	if f.NumRows() != 2 {
		t.Fatalf("NumRows() = %d, want 2", f.NumRows())
	}
	if got := f.Value(0, "trade_date"); got != "20240104" {
		t.Errorf("row 0 = %v, want 20240104 (survivor order preserved)", got)
	}
	if got := f.Value(1, "close"); got != 9.0 {
		t.Errorf("dedup kept close = %v, want 9.0 (last occurrence)", got)
	}
}

func TestFrame_DedupBy_MixedIntWidths(t *testing.T) {
	f := New("id")
	mustAppend(t, f, int(7))
	mustAppend(t, f, int64(7))

	f.DedupBy("id")

	if f.NumRows() != 1 {
		t.Errorf("NumRows() = %d, want 1 (int and int64 dedup together)", f.NumRows())
	}
}

func TestFrame_MemSize_GrowsWithRows(t *testing.T) {
	f := New("ts_code", "close")
	empty := f.MemSize()
	mustAppend(t, f, "000001.SZ", 10.5)
	if f.MemSize() <= empty {
		t.Errorf("MemSize() after append = %d, want > %d", f.MemSize(), empty)
	}
}
