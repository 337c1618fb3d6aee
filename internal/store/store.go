// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package store is the DuckDB persistence layer: table creation from the
// schema registry, transactional upserts keyed by declared primary keys,
// incremental saves for the buffer pool, and parquet export with view
// reconciliation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/schema"
)

// Config holds DuckDB connection settings.
type Config struct {
	// Path is the database file, or ":memory:" for an in-memory store.
	Path string

	// Threads caps DuckDB's internal parallelism. Zero means NumCPU.
	Threads int

	// MaxMemory is DuckDB's memory limit, e.g. "2GB". Default "1GB".
	MaxMemory string
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = ":memory:"
	}
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.MaxMemory == "" {
		c.MaxMemory = "1GB"
	}
}

// DB wraps the DuckDB connection and the schema registry that drives DDL
// and upsert statement generation.
type DB struct {
	conn     *sql.DB
	cfg      Config
	registry *schema.Registry
}

// Open opens (creating if needed) the DuckDB database and configures the
// connection pool. The caller owns the returned DB and must Close it.
func Open(cfg Config, registry *schema.Registry) (*DB, error) {
	if registry == nil {
		return nil, fmt.Errorf("schema registry required")
	}
	cfg.applyDefaults()

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, cfg.Threads, cfg.MaxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Writes happen through short-lived transactions; a small pool keeps
	// connection churn low without holding a long-lived shared writer.
	conn.SetMaxOpenConns(cfg.Threads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg, registry: registry}
	logging.Info().Str("path", cfg.Path).Int("threads", cfg.Threads).Msg("database opened")
	return db, nil
}

// Conn exposes the underlying connection pool for callers that need direct
// access, such as the metadata sync manager.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Registry returns the schema registry the store was opened with.
func (db *DB) Registry() *schema.Registry {
	return db.registry
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	return db.conn.PingContext(ctx)
}

// Checkpoint forces a WAL checkpoint so the main database file is current.
func (db *DB) Checkpoint(ctx context.Context) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	if _, err := db.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection pool. Best-effort on
// the checkpoint: a failure is logged, not returned.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Msg("checkpoint before close failed")
	}
	cancel()
	return db.conn.Close()
}

// ensureContext applies a default timeout when the caller did not set one.
func ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return context.WithTimeout(ctx, 30*time.Second)
	}
	return ctx, func() {}
}

// closeQuietly closes c, ignoring the error. For cleanup paths where the
// original error matters more.
func closeQuietly(c io.Closer) {
	_ = c.Close()
}
