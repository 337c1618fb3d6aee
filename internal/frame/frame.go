// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package frame provides the in-memory row set passed between the fetcher,
// the buffer pool, and the store. A Frame is a named, ordered set of columns
// with untyped cell values (string, float64, int64, bool, or nil), matching
// the loosely-typed rows the Tushare API returns.
package frame

import (
	"fmt"
	"sort"
)

// Frame is an ordered columnar row set.
// The zero value is unusable; construct with New.
type Frame struct {
	cols  []string
	index map[string]int
	rows  [][]any
}

// New creates an empty Frame with the given column names.
func New(cols ...string) *Frame {
	f := &Frame{
		cols:  append([]string(nil), cols...),
		index: make(map[string]int, len(cols)),
	}
	for i, c := range cols {
		f.index[c] = i
	}
	return f
}

// Columns returns the column names in order.
// The returned slice must not be modified.
func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	return f.cols
}

// NumRows returns the number of rows. Nil-safe.
func (f *Frame) NumRows() int {
	if f == nil {
		return 0
	}
	return len(f.rows)
}

// Empty reports whether the frame is nil or has no rows.
func (f *Frame) Empty() bool {
	return f.NumRows() == 0
}

// HasColumn reports whether the frame has a column with the given name.
func (f *Frame) HasColumn(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.index[name]
	return ok
}

// AppendRow appends a row. The value count must match the column count.
func (f *Frame) AppendRow(values ...any) error {
	if len(values) != len(f.cols) {
		return fmt.Errorf("row has %d values, frame has %d columns", len(values), len(f.cols))
	}
	f.rows = append(f.rows, append([]any(nil), values...))
	return nil
}

// Row returns the i-th row. The returned slice must not be modified.
func (f *Frame) Row(i int) []any {
	return f.rows[i]
}

// Value returns the named cell of the i-th row.
// Returns nil when the column does not exist.
func (f *Frame) Value(i int, col string) any {
	idx, ok := f.index[col]
	if !ok {
		return nil
	}
	return f.rows[i][idx]
}

// Clone returns a deep copy: mutations of the copy never affect the
// original. Cell values themselves are scalars and are copied by value.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := New(f.cols...)
	c.rows = make([][]any, len(f.rows))
	for i, row := range f.rows {
		c.rows[i] = append([]any(nil), row...)
	}
	return c
}

// Append concatenates other's rows onto f. The other frame's columns are
// remapped by name; a missing or extra column is an error.
func (f *Frame) Append(other *Frame) error {
	if other.Empty() {
		return nil
	}
	if len(other.cols) != len(f.cols) {
		return fmt.Errorf("column count mismatch: %d vs %d", len(other.cols), len(f.cols))
	}

	// Fast path: identical column order.
	same := true
	for i, c := range other.cols {
		if f.cols[i] != c {
			same = false
			break
		}
	}
	if same {
		for _, row := range other.rows {
			f.rows = append(f.rows, append([]any(nil), row...))
		}
		return nil
	}

	remap := make([]int, len(f.cols))
	for i, c := range f.cols {
		j, ok := other.index[c]
		if !ok {
			return fmt.Errorf("column %q missing from appended frame", c)
		}
		remap[i] = j
	}
	for _, row := range other.rows {
		mapped := make([]any, len(f.cols))
		for i, j := range remap {
			mapped[i] = row[j]
		}
		f.rows = append(f.rows, mapped)
	}
	return nil
}

// SortBy stably sorts rows ascending by the named column.
// A no-op when the column does not exist.
func (f *Frame) SortBy(col string) {
	idx, ok := f.index[col]
	if !ok {
		return
	}
	sort.SliceStable(f.rows, func(i, j int) bool {
		return lessValue(f.rows[i][idx], f.rows[j][idx])
	})
}

// DedupBy removes rows with duplicate values in the named column, keeping
// the last occurrence in row order. Relative order of survivors is
// preserved. A no-op when the column does not exist.
func (f *Frame) DedupBy(col string) {
	idx, ok := f.index[col]
	if !ok {
		return
	}

	last := make(map[any]int, len(f.rows))
	for i, row := range f.rows {
		last[keyValue(row[idx])] = i
	}
	if len(last) == len(f.rows) {
		return
	}

	kept := f.rows[:0]
	for i, row := range f.rows {
		if last[keyValue(row[idx])] == i {
			kept = append(kept, row)
		}
	}
	f.rows = kept
}

// MemSize returns a rough estimate of the frame's memory footprint in bytes.
// Strings count their length plus header; other scalars a flat 16 bytes.
func (f *Frame) MemSize() int64 {
	if f == nil {
		return 0
	}
	var size int64
	for _, c := range f.cols {
		size += int64(len(c)) + 16
	}
	for _, row := range f.rows {
		size += 24 // slice header
		for _, v := range row {
			if s, ok := v.(string); ok {
				size += int64(len(s)) + 16
			} else {
				size += 16
			}
		}
	}
	return size
}

// keyValue normalizes a cell for use as a map key. Integers widen to int64
// so 1 and int64(1) dedup together; other scalars are comparable as-is.
func keyValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// lessValue orders two cells. Numbers order numerically, strings
// lexically; nil sorts first; mixed kinds fall back to string formatting.
func lessValue(a, b any) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af < bf
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as < bs
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
