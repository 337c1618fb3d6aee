// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package downloader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/metrics"
	"github.com/jywei/tickflow/internal/scheduler"
	"github.com/jywei/tickflow/internal/schema"
)

// Stats aggregates download outcomes. A job counts once in CompletedTasks
// no matter how many retries it consumed; each retry submission counts
// once in RetryTasks.
type Stats struct {
	TotalTasks      int64
	CompletedTasks  int64
	SuccessfulTasks int64
	FailedTasks     int64
	RetryTasks      int64
}

// SuccessRate is successful over completed, 0 while nothing has completed.
func (s Stats) SuccessRate() float64 {
	if s.CompletedTasks == 0 {
		return 0
	}
	return float64(s.SuccessfulTasks) / float64(s.CompletedTasks)
}

// IsComplete reports whether every submitted job has resolved.
func (s Stats) IsComplete() bool {
	return s.CompletedTasks >= s.TotalTasks
}

// Config holds manager tuning.
type Config struct {
	// MaxWorkers is the worker pool size. Default: 4.
	MaxWorkers int

	// PollTimeout bounds one blocking queue poll, so workers re-check the
	// stop signal at this cadence when idle. Default: 500ms.
	PollTimeout time.Duration

	// RetryInitialDelay seeds the exponential retry backoff. Default: 1s.
	RetryInitialDelay time.Duration

	// RetryMaxDelay caps the retry backoff. Default: 30s.
	RetryMaxDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
}

// Manager drives the worker pool that drains the task queue, retries
// failed jobs with exponential backoff up to each job's MaxRetries, and
// aggregates Stats. Submit work through AddTask/AddDownloadTasks so the
// total-task accounting stays consistent with completion detection.
type Manager struct {
	queue *scheduler.Queue
	exec  *Executor
	cfg   Config

	// mu guards stats and lifecycle state; cond signals completion
	// bookkeeping changes to Run.
	mu            sync.Mutex
	cond          *sync.Cond
	stats         Stats
	running       bool
	canceled      bool
	finishedFired bool
	onFinished    func(Stats)
	onExhausted   func(scheduler.TaskConfig, error)

	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a manager over queue and exec.
func NewManager(queue *scheduler.Queue, exec *Executor, cfg Config) (*Manager, error) {
	if queue == nil {
		return nil, errors.New("task queue required")
	}
	if exec == nil {
		return nil, errors.New("executor required")
	}
	cfg.applyDefaults()

	m := &Manager{queue: queue, exec: exec, cfg: cfg}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// OnFinished registers a callback fired at most once per Start cycle, when
// every submitted job has resolved. The callback runs on its own
// goroutine, so it may call Stop without deadlocking.
func (m *Manager) OnFinished(fn func(Stats)) {
	m.mu.Lock()
	m.onFinished = fn
	m.mu.Unlock()
}

// OnExhausted registers a callback fired once per job that exhausts its
// retries, before the job counts as failed. Callers use it to feed the
// dead-letter ledger.
func (m *Manager) OnExhausted(fn func(scheduler.TaskConfig, error)) {
	m.mu.Lock()
	m.onExhausted = fn
	m.mu.Unlock()
}

// AddDownloadTasks expands symbols into one task per symbol, or exactly
// one task for whole-universe task types regardless of how many symbols
// were passed. Pass schema.PriorityUnset to use the task type's default.
func (m *Manager) AddDownloadTasks(symbols []string, taskType schema.TaskType, priority schema.Priority, maxRetries int) int {
	var cfgs []scheduler.TaskConfig
	if taskType.WholeUniverse() {
		cfgs = []scheduler.TaskConfig{scheduler.NewTaskConfig("", taskType, priority, maxRetries)}
	} else {
		cfgs = make([]scheduler.TaskConfig, 0, len(symbols))
		for _, sym := range symbols {
			cfgs = append(cfgs, scheduler.NewTaskConfig(sym, taskType, priority, maxRetries))
		}
	}
	if len(cfgs) == 0 {
		return 0
	}

	m.mu.Lock()
	m.stats.TotalTasks += int64(len(cfgs))
	m.mu.Unlock()

	m.queue.AddBatch(cfgs)
	logging.Debug().
		Str("task_type", string(taskType)).
		Int("tasks", len(cfgs)).
		Msg("download tasks submitted")
	return len(cfgs)
}

// AddTask submits one pre-built task.
func (m *Manager) AddTask(cfg scheduler.TaskConfig) {
	m.mu.Lock()
	m.stats.TotalTasks++
	m.mu.Unlock()
	m.queue.Add(cfg)
}

// Start allocates the worker pool. Starting an already-running manager is
// an error, not a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("downloader manager already running")
	}
	m.running = true
	m.canceled = false
	m.finishedFired = false
	m.stopChan = make(chan struct{})

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	// Cancellation must wake Run: workers exit on ctx.Done without
	// resolving queued jobs, so completion alone would never be reached.
	context.AfterFunc(workerCtx, func() {
		m.mu.Lock()
		m.canceled = true
		m.mu.Unlock()
		m.cond.Broadcast()
	})

	for i := 0; i < m.cfg.MaxWorkers; i++ {
		m.wg.Add(1)
		go m.worker(workerCtx, i)
	}
	logging.Info().Int("workers", m.cfg.MaxWorkers).Msg("downloader started")
	return nil
}

// Run blocks until every submitted job has resolved, or until Stop is
// called or the Start context is canceled, then returns a stats snapshot.
// Calling Run before Start is an error.
func (m *Manager) Run() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return Stats{}, errors.New("run called before start")
	}
	for m.running && !m.canceled && !m.stats.IsComplete() {
		m.cond.Wait()
	}
	return m.stats, nil
}

// Stop signals workers to stop pulling work, cancels in-flight fetches,
// and waits for the pool to drain. Idempotent. Safe to call from an
// OnFinished callback.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.cond.Broadcast()
	logging.Info().Msg("downloader stopped")
}

// Stats returns a point-in-time snapshot of the aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		cfg, ok := m.queue.Next(m.cfg.PollTimeout)
		if !ok {
			continue
		}

		res := m.exec.Execute(ctx, cfg)
		m.resolve(res)
	}
}

// resolve applies the per-job state machine: success completes the job,
// failure either re-submits with backoff or exhausts.
func (m *Manager) resolve(res Result) {
	cfg := res.Config

	if res.Success() {
		m.mu.Lock()
		m.stats.SuccessfulTasks++
		m.stats.CompletedTasks++
		m.mu.Unlock()
		m.cond.Broadcast()
		m.checkFinished()
		return
	}

	if cfg.RetryCount < cfg.MaxRetries {
		next := cfg
		next.RetryCount++

		m.mu.Lock()
		m.stats.RetryTasks++
		m.mu.Unlock()
		metrics.DownloadRetries.WithLabelValues(string(cfg.TaskType)).Inc()

		delay := m.retryDelay(cfg.RetryCount)
		logging.Warn().Err(res.Err).
			Str("task_type", string(cfg.TaskType)).
			Str("symbol", cfg.Symbol).
			Int("retry", next.RetryCount).
			Int("max_retries", cfg.MaxRetries).
			Dur("delay", delay).
			Msg("task failed, retrying")

		// Re-submission happens off the worker goroutine after the backoff
		// delay. The job stays uncounted in CompletedTasks, so completion
		// detection keeps waiting for its eventual resolution.
		time.AfterFunc(delay, func() {
			m.queue.Add(next)
		})
		return
	}

	m.mu.Lock()
	m.stats.FailedTasks++
	m.stats.CompletedTasks++
	exhausted := m.onExhausted
	m.mu.Unlock()
	m.cond.Broadcast()

	if exhausted != nil {
		exhausted(cfg, res.Err)
	}

	logging.Error().Err(res.Err).
		Str("task_type", string(cfg.TaskType)).
		Str("symbol", cfg.Symbol).
		Int("retries", cfg.RetryCount).
		Msg("task exhausted retries")

	m.checkFinished()
}

// retryDelay computes the exponential backoff delay for the given retry
// depth. Each job's delays are derived statelessly so retry state survives
// the round trip through the queue.
func (m *Manager) retryDelay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitialDelay
	b.MaxInterval = m.cfg.RetryMaxDelay
	b.RandomizationFactor = 0.2

	d := b.NextBackOff()
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > m.cfg.RetryMaxDelay {
		d = m.cfg.RetryMaxDelay
	}
	return d
}

// checkFinished fires the finished callback at most once per Start cycle,
// on its own goroutine so the callback may stop the manager.
func (m *Manager) checkFinished() {
	m.mu.Lock()
	fire := m.running && !m.finishedFired &&
		m.stats.TotalTasks > 0 && m.stats.IsComplete()
	if fire {
		m.finishedFired = true
	}
	cb := m.onFinished
	snapshot := m.stats
	m.mu.Unlock()

	if fire && cb != nil {
		go cb(snapshot)
	}
}
