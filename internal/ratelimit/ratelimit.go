// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package ratelimit bounds the Tushare call rate per task type. Each task
// type gets one token bucket sized to its requests-per-minute budget;
// acquiring capacity blocks the calling worker rather than failing, so
// exhaustion is resolved by waiting.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/metrics"
	"github.com/jywei/tickflow/internal/schema"
)

// DefaultMaxWait bounds how long Acquire blocks for one token.
const DefaultMaxWait = 2 * time.Minute

// Config holds rate limiter configuration.
type Config struct {
	// DefaultPerMinute applies to task types without a schema budget or
	// override. Default: schema.DefaultRateLimit.
	DefaultPerMinute int

	// Overrides maps task-type names to requests-per-minute budgets,
	// taking precedence over the schema defaults.
	Overrides map[string]int

	// MaxWait bounds the blocking time of one Acquire. Default: 2m.
	MaxWait time.Duration
}

// Manager caches one token-bucket limiter per task type.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	warned   map[string]bool
}

// NewManager creates a rate limiter manager.
func NewManager(cfg Config) *Manager {
	if cfg.DefaultPerMinute <= 0 {
		cfg.DefaultPerMinute = schema.DefaultRateLimit
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Manager{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		warned:   make(map[string]bool),
	}
}

// Limiter returns the cached limiter for a task type, constructing it on
// first use. The bucket holds one minute's budget and refills continuously.
func (m *Manager) Limiter(taskType schema.TaskType) *rate.Limiter {
	key := taskType.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if lim, ok := m.limiters[key]; ok {
		return lim
	}

	perMinute := m.resolveBudget(taskType)
	lim := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	m.limiters[key] = lim

	logging.Debug().
		Str("task_type", key).
		Int("per_minute", perMinute).
		Msg("rate limiter created")
	return lim
}

// resolveBudget picks the per-minute budget: override, then schema table,
// then default. An unknown task type falls back silently with one warning.
// Caller holds m.mu.
func (m *Manager) resolveBudget(taskType schema.TaskType) int {
	key := taskType.String()
	if override, ok := m.cfg.Overrides[key]; ok && override > 0 {
		return override
	}
	limit, known := schema.RateLimitPerMinute(taskType)
	if !known {
		if !m.warned[key] {
			m.warned[key] = true
			logging.Warn().
				Str("task_type", key).
				Int("per_minute", m.cfg.DefaultPerMinute).
				Msg("no rate limit configured for task type, using default")
		}
		return m.cfg.DefaultPerMinute
	}
	return limit
}

// Acquire blocks until one unit of capacity is available for the task
// type, up to the configured max wait. It never fails on exhaustion: when
// the max wait elapses without a token the call proceeds with a warning.
// The only error returned is cancellation of the caller's context.
//
// The token is reserved up front and kept even on the max-wait path, so
// sustained overload keeps accruing bucket debt instead of degrading to
// an unlimited rate once the wait cap is reached.
func (m *Manager) Acquire(ctx context.Context, taskType schema.TaskType) error {
	lim := m.Limiter(taskType)

	start := time.Now()
	res := lim.Reserve()
	if !res.OK() {
		// Unreachable with a positive budget; proceed rather than fail.
		return nil
	}

	delay := res.Delay()
	capped := delay > m.cfg.MaxWait
	if capped {
		delay = m.cfg.MaxWait
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			res.Cancel()
			metrics.RecordRateLimitWait(taskType.String(), time.Since(start))
			return ctx.Err()
		}
	}

	waited := time.Since(start)
	metrics.RecordRateLimitWait(taskType.String(), waited)
	if capped {
		logging.Warn().
			Str("task_type", taskType.String()).
			Dur("waited", waited).
			Msg("rate limit wait exceeded max wait, proceeding")
	}
	return nil
}

// Cleanup releases all cached limiters. Idempotent.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	m.limiters = make(map[string]*rate.Limiter)
	m.mu.Unlock()
}
