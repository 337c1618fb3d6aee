// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jywei/tickflow/internal/frame"
)

// mockSink implements Sink for testing.
type mockSink struct {
	mu      sync.Mutex
	saves   []savedBatch
	failFor map[string]error // entityID -> error
	signals chan struct{}
}

type savedBatch struct {
	rows     *frame.Frame
	dataType string
	entityID string
	dateCol  string
}

func newMockSink() *mockSink {
	return &mockSink{
		failFor: make(map[string]error),
		signals: make(chan struct{}, 100),
	}
}

func (s *mockSink) SaveIncremental(_ context.Context, rows *frame.Frame, dataType, entityID, dateCol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[entityID]; ok {
		return err
	}
	s.saves = append(s.saves, savedBatch{rows: rows, dataType: dataType, entityID: entityID, dateCol: dateCol})
	select {
	case s.signals <- struct{}{}:
	default:
	}
	return nil
}

func (s *mockSink) failEntity(entityID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failFor, entityID)
	} else {
		s.failFor[entityID] = err
	}
}

func (s *mockSink) batches() []savedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]savedBatch, len(s.saves))
	copy(out, s.saves)
	return out
}

func (s *mockSink) waitForSave(t *testing.T) {
	t.Helper()
	select {
	case <-s.signals:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink save")
	}
}

func dailyFrame(t *testing.T, dates ...string) *frame.Frame {
	t.Helper()
	f := frame.New("trade_date", "close")
	for i, d := range dates {
		if err := f.AppendRow(d, float64(i)); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestPool_Add_EmptyIsNoOp(t *testing.T) {
	sink := newMockSink()
	p, err := NewPool(sink, Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	before := p.Stats()

	if err := p.Add(nil, "daily", "000001.SZ", "trade_date", "daily"); err != nil {
		t.Errorf("Add(nil) error = %v, want nil", err)
	}
	if err := p.Add(frame.New("trade_date"), "daily", "000001.SZ", "trade_date", "daily"); err != nil {
		t.Errorf("Add(empty) error = %v, want nil", err)
	}

	after := p.Stats()
	if after.TotalBuffered != before.TotalBuffered || after.CurrentItems != before.CurrentItems {
		t.Errorf("empty Add mutated state: before=%+v after=%+v", before, after)
	}
}

func TestPool_Add_DeepCopiesRows(t *testing.T) {
	sink := newMockSink()
	p, _ := NewPool(sink, Config{})
	defer p.Shutdown()

	f := dailyFrame(t, "20240103")
	if err := p.Add(f, "daily", "000001.SZ", "trade_date", "daily"); err != nil {
		t.Fatal(err)
	}
	// Mutating the caller's frame must not affect the buffered snapshot.
	f.DedupBy("trade_date")
	_ = f.AppendRow("20249999", 0.0)

	if err := p.FlushAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	batches := sink.batches()
	if len(batches) != 1 {
		t.Fatalf("saves = %d, want 1", len(batches))
	}
	if batches[0].rows.NumRows() != 1 {
		t.Errorf("flushed rows = %d, want 1 (snapshot isolated from caller)", batches[0].rows.NumRows())
	}
}

// TestPool_SizeTriggerFlush covers the max-items trigger: with MaxItems=2,
// the second admission fires an automatic background flush, so a third
// admission finds an empty (fresh) buffer.
func TestPool_SizeTriggerFlush(t *testing.T) {
	sink := newMockSink()
	p, _ := NewPool(sink, Config{MaxItems: 2})
	defer p.Shutdown()

	_ = p.Add(dailyFrame(t, "20240103"), "daily", "000001.SZ", "trade_date", "daily")
	_ = p.Add(dailyFrame(t, "20240104"), "daily", "000001.SZ", "trade_date", "daily")

	sink.waitForSave(t)
	p.flushWg.Wait()

	if got := p.Stats().CurrentItems; got != 0 {
		t.Fatalf("CurrentItems after trigger flush = %d, want 0", got)
	}

	_ = p.Add(dailyFrame(t, "20240105"), "daily", "000001.SZ", "trade_date", "daily")
	if got := p.Stats().CurrentItems; got != 1 {
		t.Errorf("CurrentItems after third admission = %d, want 1", got)
	}
}

// TestPool_MergeDedupKeepsLast verifies merge semantics: overlapping
// date_col values collapse to one row each, the later-admitted entry
// winning, with output sorted by date.
func TestPool_MergeDedupKeepsLast(t *testing.T) {
	sink := newMockSink()
	p, _ := NewPool(sink, Config{})
	defer p.Shutdown()

	first := frame.New("trade_date", "close")
	_ = first.AppendRow("20240103", 1.0)
	_ = first.AppendRow("20240104", 2.0)
	_ = p.Add(first, "daily", "000001.SZ", "trade_date", "daily")

	time.Sleep(5 * time.Millisecond) // distinct admission timestamps

	second := frame.New("trade_date", "close")
	_ = second.AppendRow("20240104", 9.0) // overlaps, must win
	_ = second.AppendRow("20240105", 3.0)
	_ = p.Add(second, "daily", "000001.SZ", "trade_date", "daily")

	if err := p.FlushAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	batches := sink.batches()
	if len(batches) != 1 {
		t.Fatalf("saves = %d, want 1 merged batch", len(batches))
	}
	merged := batches[0].rows
	if merged.NumRows() != 3 {
		t.Fatalf("merged rows = %d, want 3 distinct dates", merged.NumRows())
	}
	wantDates := []string{"20240103", "20240104", "20240105"}
	for i, w := range wantDates {
		if got := merged.Value(i, "trade_date"); got != w {
			t.Errorf("row %d date = %v, want %s", i, got, w)
		}
	}
	if got := merged.Value(1, "close"); got != 9.0 {
		t.Errorf("overlapping date close = %v, want 9.0 (later admission wins)", got)
	}
}

// TestPool_KeyFailureIsolated verifies one key's write failure restores
// its entries for retry without affecting other keys.
func TestPool_KeyFailureIsolated(t *testing.T) {
	sink := newMockSink()
	sink.failEntity("000002.SZ", errors.New("write failed"))

	p, _ := NewPool(sink, Config{})
	defer p.Shutdown()

	_ = p.Add(dailyFrame(t, "20240103"), "daily", "000001.SZ", "trade_date", "daily")
	_ = p.Add(dailyFrame(t, "20240103"), "daily", "000002.SZ", "trade_date", "daily")

	err := p.FlushAll(context.Background())
	if err == nil {
		t.Fatal("FlushAll() error = nil, want failure from 000002.SZ")
	}

	batches := sink.batches()
	if len(batches) != 1 || batches[0].entityID != "000001.SZ" {
		t.Fatalf("batches = %+v, want exactly the healthy key written", batches)
	}
	if got := p.Stats().CurrentItems; got != 1 {
		t.Fatalf("CurrentItems = %d, want 1 restored entry", got)
	}

	// Heal the sink; the restored entry flushes on the next cycle.
	sink.failEntity("000002.SZ", nil)
	if err := p.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll() after heal error = %v", err)
	}
	if got := len(sink.batches()); got != 2 {
		t.Errorf("total saves = %d, want 2", got)
	}
}

// TestPool_MergeFailureFallsBackToIndividualWrites verifies entries with
// mismatched columns are written one by one when the merge step fails.
func TestPool_MergeFailureFallsBackToIndividualWrites(t *testing.T) {
	sink := newMockSink()
	p, _ := NewPool(sink, Config{})
	defer p.Shutdown()

	a := frame.New("trade_date", "close")
	_ = a.AppendRow("20240103", 1.0)
	b := frame.New("trade_date", "pe") // different column set: merge fails
	_ = b.AppendRow("20240104", 2.0)

	_ = p.Add(a, "daily", "000001.SZ", "trade_date", "daily")
	_ = p.Add(b, "daily", "000001.SZ", "trade_date", "daily")

	if err := p.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll() error = %v, want nil (individual fallback)", err)
	}
	if got := len(sink.batches()); got != 2 {
		t.Errorf("saves = %d, want 2 individual writes", got)
	}
}

func TestPool_IntervalAutoFlush(t *testing.T) {
	sink := newMockSink()
	p, _ := NewPool(sink, Config{AutoFlush: true, FlushInterval: 30 * time.Millisecond})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	_ = p.Add(dailyFrame(t, "20240103"), "daily", "000001.SZ", "trade_date", "daily")

	sink.waitForSave(t)

	if got := len(sink.batches()); got < 1 {
		t.Errorf("saves = %d, want >= 1 from interval flush", got)
	}
}

func TestPool_Shutdown_FlushesPendingAndIsIdempotent(t *testing.T) {
	sink := newMockSink()
	p, _ := NewPool(sink, Config{})

	_ = p.Add(dailyFrame(t, "20240103"), "daily", "000001.SZ", "trade_date", "daily")

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := len(sink.batches()); got != 1 {
		t.Errorf("saves after Shutdown = %d, want 1", got)
	}
	if err := p.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
	if err := p.Add(dailyFrame(t, "20240104"), "daily", "000001.SZ", "trade_date", "daily"); err == nil {
		t.Error("Add() after Shutdown = nil, want error")
	}
}

func TestScoped_ShutdownRunsOnError(t *testing.T) {
	sink := newMockSink()

	wantErr := errors.New("caller failure")
	err := Scoped(context.Background(), sink, Config{}, func(p *Pool) error {
		_ = p.Add(dailyFrame(t, "20240103"), "daily", "000001.SZ", "trade_date", "daily")
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Scoped() error = %v, want %v", err, wantErr)
	}
	if got := len(sink.batches()); got != 1 {
		t.Errorf("saves = %d, want 1 (shutdown flush ran despite error)", got)
	}
}

func TestPool_Stats(t *testing.T) {
	sink := newMockSink()
	p, _ := NewPool(sink, Config{})
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		_ = p.Add(dailyFrame(t, fmt.Sprintf("2024010%d", i+3)), "daily", "000001.SZ", "trade_date", "daily")
	}

	s := p.Stats()
	if s.TotalBuffered != 3 || s.CurrentItems != 3 {
		t.Errorf("Stats() = %+v, want TotalBuffered=3 CurrentItems=3", s)
	}
	if s.CurrentMemoryMB <= 0 {
		t.Errorf("CurrentMemoryMB = %v, want > 0", s.CurrentMemoryMB)
	}

	if err := p.FlushAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	s = p.Stats()
	if s.FlushCount != 1 || s.TotalFlushed != 3 || s.CurrentItems != 0 {
		t.Errorf("Stats() after flush = %+v", s)
	}
	if s.LastFlushTime.IsZero() {
		t.Error("LastFlushTime still zero after flush")
	}
}

func TestPool_ConcurrentAdmissionsDuringFlush(t *testing.T) {
	sink := newMockSink()
	p, _ := NewPool(sink, Config{MaxItems: 10})
	defer p.Shutdown()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				entity := fmt.Sprintf("00000%d.SZ", w)
				_ = p.Add(dailyFrame(t, fmt.Sprintf("202401%02d", i+1)), "daily", entity, "trade_date", "daily")
			}
		}(w)
	}
	wg.Wait()

	if err := p.FlushAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.flushWg.Wait()

	if got := p.Stats().CurrentItems; got != 0 {
		t.Errorf("CurrentItems = %d, want 0 (no admissions lost or stuck)", got)
	}
	if got := p.Stats().TotalFlushed; got != 100 {
		t.Errorf("TotalFlushed = %d, want 100", got)
	}
}
