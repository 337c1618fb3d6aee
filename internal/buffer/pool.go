// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package buffer decouples per-symbol fetch cadence from database write
// cadence. Fetched row sets accumulate per (data_type, entity_id) key and
// flush in batches, triggered by item count, estimated memory, or a
// periodic timer. Flushing swaps the live buffer map for an empty one, so
// admissions arriving mid-flush are never lost.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jywei/tickflow/internal/frame"
	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/metrics"
)

// Sink receives merged row sets at flush time.
type Sink interface {
	// SaveIncremental merges rows into the store for one
	// (data_type, entity_id) pair. Rows are already deduplicated by
	// dateCol, so repeated delivery of the same content is harmless.
	SaveIncremental(ctx context.Context, rows *frame.Frame, dataType, entityID, dateCol string) error
}

// Config holds buffer pool tuning.
type Config struct {
	// MaxItems triggers a flush when the total buffered entry count
	// reaches it. Default: 100.
	MaxItems int

	// MaxMemoryMB triggers a flush when the estimated buffered memory
	// reaches it. Default: 50.
	MaxMemoryMB int

	// FlushInterval is the auto-flush period. Default: 30s.
	FlushInterval time.Duration

	// AutoFlush enables the periodic background flush.
	AutoFlush bool

	// FlushTimeout bounds one flush operation. Default: 60s.
	FlushTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxItems <= 0 {
		c.MaxItems = 100
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 60 * time.Second
	}
}

// Key identifies one buffer slot.
type Key struct {
	DataType string
	EntityID string
}

// Entry is one admitted row set awaiting flush.
type Entry struct {
	Rows      *frame.Frame
	DataType  string
	EntityID  string
	DateCol   string
	TaskName  string
	Timestamp time.Time
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	TotalBuffered   int64
	TotalFlushed    int64
	FlushCount      int64
	LastFlushTime   time.Time
	CurrentItems    int
	CurrentMemoryMB float64
}

// Pool is the data buffer pool.
type Pool struct {
	sink Sink
	cfg  Config

	// mu guards the live buffer map and its size accounting.
	mu       sync.Mutex
	buf      map[Key][]*Entry
	items    int
	memBytes int64

	// flushMu serializes flush operations so timer-triggered and
	// size-triggered flushes never interleave their writes.
	flushMu sync.Mutex
	flushWg sync.WaitGroup

	closed   atomic.Bool
	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}

	totalBuffered atomic.Int64
	totalFlushed  atomic.Int64
	flushCount    atomic.Int64
	lastFlush     atomic.Value // time.Time
}

// NewPool creates a buffer pool writing to sink.
func NewPool(sink Sink, cfg Config) (*Pool, error) {
	if sink == nil {
		return nil, errors.New("sink required")
	}
	cfg.applyDefaults()

	p := &Pool{
		sink:     sink,
		cfg:      cfg,
		buf:      make(map[Key][]*Entry),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	p.lastFlush.Store(time.Time{})
	return p, nil
}

// Start begins the periodic auto-flush timer when enabled by config.
// Idempotent; returns an error only after Shutdown.
func (p *Pool) Start(ctx context.Context) error {
	if p.closed.Load() {
		return errors.New("buffer pool is shut down")
	}
	if !p.cfg.AutoFlush {
		return nil
	}
	if p.started.Swap(true) {
		return nil
	}
	go p.flushLoop(ctx)
	return nil
}

// Add admits one row set under the (dataType, entityID) key. Empty or nil
// rows are a successful no-op. Rows are deep-copied on admission, so the
// caller may reuse its frame. When a flush trigger fires, the flush runs
// on a background goroutine; Add never blocks on store I/O.
func (p *Pool) Add(rows *frame.Frame, dataType, entityID, dateCol, taskName string) error {
	if rows.Empty() {
		return nil
	}
	if p.closed.Load() {
		return errors.New("buffer pool is shut down")
	}

	entry := &Entry{
		Rows:      rows.Clone(),
		DataType:  dataType,
		EntityID:  entityID,
		DateCol:   dateCol,
		TaskName:  taskName,
		Timestamp: time.Now(),
	}
	size := entry.Rows.MemSize()
	key := Key{DataType: dataType, EntityID: entityID}

	p.mu.Lock()
	p.buf[key] = append(p.buf[key], entry)
	p.items++
	p.memBytes += size
	p.totalBuffered.Add(1)
	trigger := p.checkTriggersLocked()
	items := p.items
	p.mu.Unlock()

	metrics.BufferedItems.Set(float64(items))
	logging.Trace().
		Str("data_type", dataType).
		Str("entity_id", entityID).
		Int("rows", rows.NumRows()).
		Int("buffered_items", items).
		Msg("buffer admission")

	if trigger != "" {
		p.flushWg.Add(1)
		go func() {
			defer p.flushWg.Done()
			// Detached context: the admitting caller's lifetime must not
			// bound the flush.
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
			defer cancel()
			if err := p.flush(ctx, trigger); err != nil {
				logging.Warn().Err(err).Str("trigger", trigger).Msg("background flush had failures")
			}
		}()
	}
	return nil
}

// checkTriggersLocked returns the name of the fired trigger, or "".
// Caller holds p.mu.
func (p *Pool) checkTriggersLocked() string {
	if p.items >= p.cfg.MaxItems {
		return "size"
	}
	if p.memBytes >= int64(p.cfg.MaxMemoryMB)*1024*1024 {
		return "memory"
	}
	return ""
}

// FlushAll synchronously flushes everything buffered, waiting first for
// any in-flight background flush.
func (p *Pool) FlushAll(ctx context.Context) error {
	p.flushWg.Wait()
	return p.flush(ctx, "manual")
}

// Shutdown stops the auto-flush timer and performs one final synchronous
// flush so no buffered data is lost on exit. Idempotent.
func (p *Pool) Shutdown() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.started.Load() {
		close(p.stopChan)
		<-p.doneChan
	}
	p.flushWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()
	return p.flush(ctx, "shutdown")
}

// Scoped runs fn with a started pool and guarantees Shutdown afterward,
// even when fn returns an error or panics.
func Scoped(ctx context.Context, sink Sink, cfg Config, fn func(*Pool) error) error {
	p, err := NewPool(sink, cfg)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := p.Shutdown(); err != nil {
			logging.Warn().Err(err).Msg("buffer pool shutdown flush had failures")
		}
	}()
	return fn(p)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	items := p.items
	memBytes := p.memBytes
	p.mu.Unlock()

	lastFlush, _ := p.lastFlush.Load().(time.Time)
	return Stats{
		TotalBuffered:   p.totalBuffered.Load(),
		TotalFlushed:    p.totalFlushed.Load(),
		FlushCount:      p.flushCount.Load(),
		LastFlushTime:   lastFlush,
		CurrentItems:    items,
		CurrentMemoryMB: float64(memBytes) / (1024 * 1024),
	}
}

// flushLoop runs the periodic auto-flush timer.
func (p *Pool) flushLoop(ctx context.Context) {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
			if err := p.flush(flushCtx, "interval"); err != nil {
				logging.Warn().Err(err).Msg("interval flush had failures")
			}
			cancel()
		}
	}
}

// flush swaps out the live buffer map and writes each key's merged batch.
// One key's failure does not block the others: its original entries are
// restored to the live buffer for a later cycle, and the error is joined
// into the return value.
func (p *Pool) flush(ctx context.Context, trigger string) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if p.items == 0 {
		p.mu.Unlock()
		return nil
	}
	taken := p.buf
	p.buf = make(map[Key][]*Entry)
	p.items = 0
	p.memBytes = 0
	p.mu.Unlock()

	start := time.Now()
	var errs []error
	flushedEntries := 0

	for key, entries := range taken {
		written, err := p.flushKey(ctx, key, entries)
		flushedEntries += written
		if err != nil {
			errs = append(errs, fmt.Errorf("flush %s/%s: %w", key.DataType, key.EntityID, err))
		}
	}

	elapsed := time.Since(start)
	p.flushCount.Add(1)
	p.totalFlushed.Add(int64(flushedEntries))
	p.lastFlush.Store(time.Now())
	metrics.RecordFlush(trigger, elapsed)

	p.mu.Lock()
	items := p.items
	p.mu.Unlock()
	metrics.BufferedItems.Set(float64(items))

	logging.Debug().
		Str("trigger", trigger).
		Int("keys", len(taken)).
		Int("entries", flushedEntries).
		Int("failed_keys", len(errs)).
		Dur("elapsed", elapsed).
		Msg("buffer flush complete")

	return errors.Join(errs...)
}

// flushKey merges one key's entries and writes them. Returns the number of
// entries durably written. On write failure the original (pre-merge)
// entries are pushed back into the live buffer.
func (p *Pool) flushKey(ctx context.Context, key Key, entries []*Entry) (int, error) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	merged, err := mergeEntries(entries)
	if err != nil {
		// Merge failure: write each original entry individually so one
		// malformed batch cannot poison the rest.
		logging.Warn().Err(err).
			Str("data_type", key.DataType).
			Str("entity_id", key.EntityID).
			Msg("merge failed, writing entries individually")
		return p.flushEntriesIndividually(ctx, key, entries)
	}

	dateCol := entries[len(entries)-1].DateCol
	if err := p.sink.SaveIncremental(ctx, merged, key.DataType, key.EntityID, dateCol); err != nil {
		p.restore(key, entries)
		return 0, err
	}
	return len(entries), nil
}

// flushEntriesIndividually writes entries one at a time, restoring the
// failed ones, and reports how many succeeded.
func (p *Pool) flushEntriesIndividually(ctx context.Context, key Key, entries []*Entry) (int, error) {
	written := 0
	var failed []*Entry
	var errs []error
	for _, e := range entries {
		if err := p.sink.SaveIncremental(ctx, e.Rows, e.DataType, e.EntityID, e.DateCol); err != nil {
			failed = append(failed, e)
			errs = append(errs, err)
			continue
		}
		written++
	}
	if len(failed) > 0 {
		p.restore(key, failed)
	}
	return written, errors.Join(errs...)
}

// restore pushes entries back to the front of the live buffer slot so a
// later flush retries them before newer admissions.
func (p *Pool) restore(key Key, entries []*Entry) {
	var size int64
	for _, e := range entries {
		size += e.Rows.MemSize()
	}
	p.mu.Lock()
	p.buf[key] = append(append([]*Entry(nil), entries...), p.buf[key]...)
	p.items += len(entries)
	p.memBytes += size
	p.mu.Unlock()
}

// mergeEntries concatenates entries in timestamp order, deduplicates by
// the date column keeping the last (most recent admission) row per date,
// and sorts by the date column.
func mergeEntries(entries []*Entry) (*frame.Frame, error) {
	merged := entries[0].Rows.Clone()
	for _, e := range entries[1:] {
		if err := merged.Append(e.Rows); err != nil {
			return nil, err
		}
	}

	dateCol := entries[len(entries)-1].DateCol
	if dateCol != "" && merged.HasColumn(dateCol) {
		merged.DedupBy(dateCol)
		merged.SortBy(dateCol)
	}
	return merged, nil
}
