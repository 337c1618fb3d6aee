// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package downloader drives the fetch side of the pipeline: a worker pool
// drains the priority queue, each job executes one rate-limited fetch, and
// non-empty results are handed to the buffer pool for asynchronous
// persistence. Retries are the manager's job; the executor runs exactly one
// attempt.
package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/jywei/tickflow/internal/frame"
	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/metrics"
	"github.com/jywei/tickflow/internal/ratelimit"
	"github.com/jywei/tickflow/internal/scheduler"
	"github.com/jywei/tickflow/internal/schema"
)

// Fetcher retrieves tabular data from the remote source. Implementations
// must return an error on transport or API failure, and a nil or empty
// frame (not an error) when the source legitimately has no data for the
// query. Rate limiting is the executor's responsibility, not the Fetcher's.
type Fetcher interface {
	Fetch(ctx context.Context, taskType schema.TaskType, symbol string, params map[string]string) (*frame.Frame, error)
}

// Sink receives fetched rows for asynchronous persistence. The buffer
// pool satisfies this; Add must not block on downstream I/O.
type Sink interface {
	Add(rows *frame.Frame, dataType, entityID, dateCol, taskName string) error
}

// Result is the outcome of one execute attempt.
type Result struct {
	Config scheduler.TaskConfig
	Rows   *frame.Frame
	Err    error
}

// Success reports whether the attempt completed without error. An empty
// result set is still a success.
func (r Result) Success() bool { return r.Err == nil }

// Empty reports whether the attempt succeeded but returned no rows.
func (r Result) Empty() bool { return r.Err == nil && r.Rows.Empty() }

// Executor runs one download job at a time: rate limit, fetch, hand off.
type Executor struct {
	limiter  *ratelimit.Manager
	fetcher  Fetcher
	sink     Sink
	registry *schema.Registry
	params   func(scheduler.TaskConfig) map[string]string
}

// NewExecutor creates an executor. sink may be nil, in which case
// successful results are returned but not handed downstream.
func NewExecutor(limiter *ratelimit.Manager, fetcher Fetcher, sink Sink, registry *schema.Registry) (*Executor, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher required")
	}
	if registry == nil {
		return nil, fmt.Errorf("schema registry required")
	}
	return &Executor{limiter: limiter, fetcher: fetcher, sink: sink, registry: registry}, nil
}

// SetParams registers a per-task parameter builder consulted on every
// attempt, used to scope incremental fetches by date range.
func (e *Executor) SetParams(fn func(scheduler.TaskConfig) map[string]string) {
	e.params = fn
}

// Execute runs one attempt for cfg. The rate-limit acquisition is charged
// per attempt regardless of whether the fetch succeeds. An empty fetch
// result is a success with no downstream handoff.
func (e *Executor) Execute(ctx context.Context, cfg scheduler.TaskConfig) Result {
	if err := e.limiter.Acquire(ctx, cfg.TaskType); err != nil {
		return Result{Config: cfg, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	var params map[string]string
	if e.params != nil {
		params = e.params(cfg)
	}

	start := time.Now()
	rows, err := e.fetcher.Fetch(ctx, cfg.TaskType, cfg.Symbol, params)
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordDownload(string(cfg.TaskType), "error", elapsed)
		return Result{Config: cfg, Err: fmt.Errorf("fetch %s %q: %w", cfg.TaskType, cfg.Symbol, err)}
	}

	if rows.Empty() {
		metrics.RecordDownload(string(cfg.TaskType), "empty", elapsed)
		logging.Debug().
			Str("task_type", string(cfg.TaskType)).
			Str("symbol", cfg.Symbol).
			Msg("fetch returned no data")
		return Result{Config: cfg}
	}

	metrics.RecordDownload(string(cfg.TaskType), "success", elapsed)

	if e.sink != nil {
		// Fire-and-forget handoff: the buffer pool admits synchronously but
		// flushes on its own goroutines, so this does not block on store I/O.
		// A rejected admission (pool shut down) loses nothing durable yet, so
		// it is logged rather than failing an otherwise successful fetch.
		dateCol := e.dateCol(cfg.TaskType)
		if err := e.sink.Add(rows, string(cfg.TaskType), cfg.Symbol, dateCol, string(cfg.TaskType)); err != nil {
			logging.Warn().Err(err).
				Str("task_type", string(cfg.TaskType)).
				Str("symbol", cfg.Symbol).
				Msg("buffer admission rejected")
		}
	}

	return Result{Config: cfg, Rows: rows}
}

func (e *Executor) dateCol(taskType schema.TaskType) string {
	tbl, err := e.registry.Lookup(string(taskType))
	if err != nil {
		return ""
	}
	return tbl.DateCol
}
