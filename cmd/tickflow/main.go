// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Command tickflow runs one ETL cycle: seed the symbol universe from the
// whole-universe task types, fan out per-symbol download tasks, buffer and
// upsert the results into DuckDB, record exhausted fetches in the
// dead-letter ledger, and optionally export parquet partitions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jywei/tickflow/internal/buffer"
	"github.com/jywei/tickflow/internal/config"
	"github.com/jywei/tickflow/internal/deadletter"
	"github.com/jywei/tickflow/internal/downloader"
	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/ratelimit"
	"github.com/jywei/tickflow/internal/scheduler"
	"github.com/jywei/tickflow/internal/schema"
	"github.com/jywei/tickflow/internal/store"
	"github.com/jywei/tickflow/internal/supervisor"
	"github.com/jywei/tickflow/internal/supervisor/services"
	"github.com/jywei/tickflow/internal/tushare"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Caller:         cfg.Logging.Caller,
		File:           cfg.Logging.File,
		FileMaxSizeMB:  cfg.Logging.FileMaxSizeMB,
		FileMaxBackups: cfg.Logging.FileMaxBackups,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Int("workers", cfg.Download.MaxWorkers).
		Msg("tickflow starting")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("tickflow failed")
	}
}

//nolint:gocyclo // Sequential wiring of the whole pipeline.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := schema.NewRegistry()

	db, err := store.Open(store.Config{
		Path:      cfg.Database.Path,
		Threads:   cfg.Database.Threads,
		MaxMemory: cfg.Database.MaxMemory,
	}, registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing database")
		}
	}()

	if err := db.CreateAllTables(ctx); err != nil {
		return err
	}

	pool, err := buffer.NewPool(db, buffer.Config{
		MaxItems:      cfg.Buffer.MaxItems,
		MaxMemoryMB:   cfg.Buffer.MaxMemoryMB,
		FlushInterval: cfg.Buffer.FlushInterval,
		FlushTimeout:  cfg.Buffer.FlushTimeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Shutdown(); err != nil {
			logging.Error().Err(err).Msg("final buffer flush had failures")
		}
	}()

	limiter := ratelimit.NewManager(ratelimit.Config{
		DefaultPerMinute: cfg.RateLimit.DefaultPerMinute,
		Overrides:        cfg.RateLimit.Overrides,
		MaxWait:          cfg.RateLimit.MaxWait,
	})
	defer limiter.Cleanup()

	client, err := tushare.NewClient(tushare.Config{
		Token:            cfg.Tushare.Token,
		Endpoint:         cfg.Tushare.Endpoint,
		Timeout:          cfg.Tushare.Timeout,
		BreakerThreshold: cfg.Tushare.BreakerThreshold,
		BreakerCooldown:  cfg.Tushare.BreakerCooldown,
	})
	if err != nil {
		return err
	}

	exec, err := downloader.NewExecutor(limiter, client, pool, registry)
	if err != nil {
		return err
	}
	// Incremental scope: per-symbol fetches resume from the table's newest
	// date. GetMaxDate warns and yields nothing for undated tables.
	exec.SetParams(func(tc scheduler.TaskConfig) map[string]string {
		if tc.TaskType.WholeUniverse() {
			return nil
		}
		maxDate, err := db.GetMaxDate(ctx, string(tc.TaskType))
		if err != nil || maxDate == "" {
			return nil
		}
		return map[string]string{"start_date": maxDate}
	})

	queue := scheduler.NewQueue()
	mgr, err := downloader.NewManager(queue, exec, downloader.Config{
		MaxWorkers:        cfg.Download.MaxWorkers,
		PollTimeout:       cfg.Download.PollTimeout,
		RetryInitialDelay: cfg.Download.RetryInitialDelay,
		RetryMaxDelay:     cfg.Download.RetryMaxDelay,
	})
	if err != nil {
		return err
	}

	ledger, err := deadletter.NewLedger(deadletter.NewOSFS(cfg.DeadLetter.Dir))
	if err != nil {
		return err
	}
	mgr.OnExhausted(func(tc scheduler.TaskConfig, taskErr error) {
		code := tc.Symbol
		if code == "" {
			code = "ALL"
		}
		if _, err := ledger.AppendMissing(string(tc.TaskType), []string{code}, time.Now()); err != nil {
			logging.Error().Err(err).Msg("dead-letter append failed")
		}
	})

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddPipelineService(services.NewFlushService(pool, cfg.Buffer.FlushInterval))
	if cfg.Export.Enabled {
		sync, err := store.NewMetadataSync(db, store.MetadataConfig{
			Dir:             cfg.Export.Dir,
			PartitionByYear: cfg.Export.PartitionByYear,
		})
		if err != nil {
			return err
		}
		tree.AddPipelineService(services.NewMetadataService(sync, cfg.Export.Interval))
	}
	if cfg.Metrics.Enabled {
		tree.AddTelemetryService(services.NewMetricsService(cfg.Metrics.Listen))
	}
	supCtx, supCancel := context.WithCancel(ctx)
	defer supCancel()
	supErr := tree.ServeBackground(supCtx)

	if err := runPipeline(ctx, cfg, db, pool, mgr); err != nil {
		return err
	}

	// Stop background services, then let the deferred pool shutdown run
	// its final synchronous flush.
	supCancel()
	select {
	case <-supErr:
	case <-time.After(15 * time.Second):
		logging.Warn().Msg("supervisor did not stop in time")
	}
	return nil
}

// runPipeline executes the two download phases: whole-universe seeding,
// then per-symbol fan-out over the seeded universe.
func runPipeline(ctx context.Context, cfg *config.Config, db *store.DB, pool *buffer.Pool, mgr *downloader.Manager) error {
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	// Phase 1: symbol universe and trading calendar.
	mgr.AddDownloadTasks(nil, schema.TaskStockBasic, schema.PriorityUnset, cfg.Download.MaxRetries)
	mgr.AddDownloadTasks(nil, schema.TaskTradeCal, schema.PriorityUnset, cfg.Download.MaxRetries)

	stats, err := mgr.Run()
	if err != nil {
		return err
	}
	logging.Info().
		Int64("completed", stats.CompletedTasks).
		Int64("failed", stats.FailedTasks).
		Msg("universe seeding finished")

	// The universe must be durable before fan-out reads it back.
	if err := pool.FlushAll(ctx); err != nil {
		logging.Warn().Err(err).Msg("universe flush had failures")
	}

	symbols, err := db.GetAllSymbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		logging.Warn().Msg("symbol universe is empty, nothing to fan out")
		return nil
	}
	logging.Info().Int("symbols", len(symbols)).Msg("fanning out per-symbol tasks")

	// Phase 2: per-symbol task types across the whole universe.
	for _, taskType := range schema.AllTaskTypes() {
		if taskType.WholeUniverse() {
			continue
		}
		mgr.AddDownloadTasks(symbols, taskType, schema.PriorityUnset, cfg.Download.MaxRetries)
	}

	stats, err = mgr.Run()
	if err != nil {
		return err
	}
	logging.Info().
		Int64("total", stats.TotalTasks).
		Int64("successful", stats.SuccessfulTasks).
		Int64("failed", stats.FailedTasks).
		Int64("retries", stats.RetryTasks).
		Float64("success_rate", stats.SuccessRate()).
		Msg("download run finished")

	return ctx.Err()
}
