// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/jywei/tickflow/internal/schema"
)

func TestNewTaskConfig_WholeUniverseClearsSymbol(t *testing.T) {
	cfg := NewTaskConfig("000001.SZ", schema.TaskStockBasic, schema.PriorityUnset, 3)
	if cfg.Symbol != "" {
		t.Errorf("Symbol = %q, want empty for whole-universe task", cfg.Symbol)
	}

	cfg = NewTaskConfig("000001.SZ", schema.TaskDaily, schema.PriorityUnset, 3)
	if cfg.Symbol != "000001.SZ" {
		t.Errorf("Symbol = %q, want 000001.SZ", cfg.Symbol)
	}
}

// TestQueue_PriorityOrdering verifies priority blocks dispatch entirely
// before lower priorities, FIFO within each block.
func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewQueue()

	q.Add(NewTaskConfig("L1", schema.TaskIncome, schema.PriorityLow, 0))
	q.Add(NewTaskConfig("M1", schema.TaskDaily, schema.PriorityMedium, 0))
	q.Add(NewTaskConfig("H1", schema.TaskDaily, schema.PriorityHigh, 0))
	q.Add(NewTaskConfig("M2", schema.TaskDaily, schema.PriorityMedium, 0))
	q.Add(NewTaskConfig("H2", schema.TaskDaily, schema.PriorityHigh, 0))
	q.Add(NewTaskConfig("L2", schema.TaskIncome, schema.PriorityLow, 0))

	got := q.Drain()
	want := []string{"H1", "H2", "M1", "M2", "L1", "L2"}
	if len(got) != len(want) {
		t.Fatalf("Drain() returned %d tasks, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Symbol != w {
			t.Errorf("position %d = %s, want %s", i, got[i].Symbol, w)
		}
	}
	if !q.IsEmpty() {
		t.Error("queue not empty after Drain()")
	}
}

// TestQueue_DefaultPriority verifies a whole-universe task submitted with
// an unset priority is dispensed before earlier medium-priority symbol
// tasks.
func TestQueue_DefaultPriority(t *testing.T) {
	q := NewQueue()

	q.AddBatch([]TaskConfig{
		NewTaskConfig("000001.SZ", schema.TaskDaily, schema.PriorityUnset, 0),
		NewTaskConfig("000002.SZ", schema.TaskDaily, schema.PriorityUnset, 0),
		NewTaskConfig("600000.SH", schema.TaskDaily, schema.PriorityUnset, 0),
	})
	q.Add(NewTaskConfig("", schema.TaskStockBasic, schema.PriorityUnset, 0))

	first, ok := q.Next(time.Second)
	if !ok {
		t.Fatal("Next() timed out")
	}
	if first.TaskType != schema.TaskStockBasic {
		t.Errorf("first task = %s, want stock_basic (high default priority)", first.TaskType)
	}

	wantSymbols := []string{"000001.SZ", "000002.SZ", "600000.SH"}
	for _, w := range wantSymbols {
		cfg, ok := q.Next(time.Second)
		if !ok {
			t.Fatal("Next() timed out")
		}
		if cfg.Symbol != w {
			t.Errorf("symbol = %s, want %s (submission order)", cfg.Symbol, w)
		}
	}
}

func TestQueue_ExplicitPriorityWins(t *testing.T) {
	q := NewQueue()

	// Financial statement forced high beats a default-high universe fetch
	// submitted earlier only on sequence, not priority.
	q.Add(NewTaskConfig("", schema.TaskTradeCal, schema.PriorityUnset, 0))
	q.Add(NewTaskConfig("000001.SZ", schema.TaskIncome, schema.PriorityHigh, 0))

	first, _ := q.Next(time.Second)
	if first.TaskType != schema.TaskTradeCal {
		t.Errorf("first = %s, want trade_cal (same priority, earlier sequence)", first.TaskType)
	}
	second, _ := q.Next(time.Second)
	if second.TaskType != schema.TaskIncome {
		t.Errorf("second = %s, want income", second.TaskType)
	}
}

func TestQueue_Next_Timeout(t *testing.T) {
	q := NewQueue()

	start := time.Now()
	_, ok := q.Next(50 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Error("Next() on empty queue returned a task")
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Next() returned after %v, want ~50ms block", elapsed)
	}
}

func TestQueue_Next_WakesOnAdd(t *testing.T) {
	q := NewQueue()

	go func() {
		time.Sleep(30 * time.Millisecond)
		q.Add(NewTaskConfig("000001.SZ", schema.TaskDaily, schema.PriorityUnset, 0))
	}()

	cfg, ok := q.Next(2 * time.Second)
	if !ok {
		t.Fatal("Next() timed out waiting for Add")
	}
	if cfg.Symbol != "000001.SZ" {
		t.Errorf("Symbol = %s, want 000001.SZ", cfg.Symbol)
	}
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue()
	q.Add(NewTaskConfig("000001.SZ", schema.TaskDaily, schema.PriorityUnset, 0))
	q.Add(NewTaskConfig("000002.SZ", schema.TaskDaily, schema.PriorityUnset, 0))

	q.Clear()

	if q.Len() != 0 {
		t.Errorf("Len() after Clear() = %d, want 0", q.Len())
	}
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := NewQueue()
	const producers = 4
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Add(NewTaskConfig("000001.SZ", schema.TaskDaily, schema.PriorityUnset, 0))
			}
		}()
	}

	received := make(chan TaskConfig, producers*perProducer)
	var cwg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				cfg, ok := q.Next(200 * time.Millisecond)
				if !ok {
					return
				}
				received <- cfg
			}
		}()
	}

	wg.Wait()
	cwg.Wait()
	close(received)

	count := 0
	for range received {
		count++
	}
	if count != producers*perProducer {
		t.Errorf("consumed %d tasks, want %d", count, producers*perProducer)
	}
}
