// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jywei/tickflow/internal/frame"
	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/metrics"
	"github.com/jywei/tickflow/internal/schema"
)

// Upsert merges rows into the table identified by tableKey. Conflicting
// rows (matching primary-key values) have every non-key column overwritten
// by the incoming values. The whole batch runs in one transaction: any
// failure rolls back fully. An empty batch is a successful no-op.
func (db *DB) Upsert(ctx context.Context, tableKey string, rows *frame.Frame) (err error) {
	if rows.Empty() {
		return nil
	}

	tbl, err := db.registry.Lookup(tableKey)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	if len(tbl.PrimaryKey) == 0 {
		return &NoPrimaryKeyError{Table: tbl.Name}
	}
	if missing := missingColumns(tbl, rows); len(missing) > 0 {
		return &MissingColumnsError{Table: tbl.Name, Missing: missing}
	}

	ctx, cancel := ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			metrics.UpsertErrors.WithLabelValues(tbl.Name).Inc()
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Error().
					Err(rbErr).
					AnErr("original_error", err).
					Str("table", tbl.Name).
					Msg("transaction rollback failed")
			}
		}
	}()

	if rows.NumRows() == 1 {
		err = db.upsertSingle(ctx, tx, tbl, rows)
	} else {
		err = db.upsertBatch(ctx, tx, tbl, rows)
	}
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert into %s: %w", tbl.Name, err)
	}

	metrics.RecordUpsert(tbl.Name, rows.NumRows())
	logging.Debug().Str("table", tbl.Name).Int("rows", rows.NumRows()).Msg("upsert committed")
	return nil
}

// upsertSingle writes one row with a parameterized ON CONFLICT statement.
func (db *DB) upsertSingle(ctx context.Context, tx *sql.Tx, tbl *schema.Table, rows *frame.Frame) error {
	cols := tbl.ColumnNames()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		tbl.Name, strings.Join(cols, ", "), placeholders, conflictClause(tbl))

	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = rows.Value(0, col)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert row into %s: %w", tbl.Name, err)
	}
	return nil
}

// upsertBatch bulk-loads rows into a uniquely named temporary staging table
// cloned from the target's layout, then merges staging into the target in
// one statement. The staging table is dropped on every path.
func (db *DB) upsertBatch(ctx context.Context, tx *sql.Tx, tbl *schema.Table, rows *frame.Frame) error {
	staging := fmt.Sprintf("staging_%s_%s", tbl.Name, strings.ReplaceAll(uuid.NewString(), "-", ""))
	cols := tbl.ColumnNames()
	colList := strings.Join(cols, ", ")

	create := fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM %s LIMIT 0",
		staging, colList, tbl.Name)
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create staging table for %s: %w", tbl.Name, err)
	}
	defer func() {
		// Cleanup is best-effort: a rolled-back transaction already
		// discarded the staging table, which surfaces as ErrTxDone here.
		if _, dErr := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+staging); dErr != nil && !errors.Is(dErr, sql.ErrTxDone) {
			logging.Debug().Err(dErr).Str("staging", staging).Msg("staging table drop skipped")
		}
	}()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		staging, colList, placeholders))
	if err != nil {
		return fmt.Errorf("prepare staging insert: %w", err)
	}
	defer closeQuietly(stmt)

	args := make([]any, len(cols))
	for i := 0; i < rows.NumRows(); i++ {
		for j, col := range cols {
			args[j] = rows.Value(i, col)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("load staging row %d for %s: %w", i, tbl.Name, err)
		}
	}

	merge := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s %s",
		tbl.Name, colList, colList, staging, conflictClause(tbl))
	if _, err := tx.ExecContext(ctx, merge); err != nil {
		return fmt.Errorf("merge staging into %s: %w", tbl.Name, err)
	}
	return nil
}

// conflictClause builds the ON CONFLICT resolution for tbl: every non-key
// column is overwritten from the incoming row, or DO NOTHING when the
// primary key covers every column and there is nothing to update.
func conflictClause(tbl *schema.Table) string {
	var updates []string
	for _, col := range tbl.Columns {
		if tbl.IsPrimaryKey(col.Name) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col.Name, col.Name))
	}

	target := strings.Join(tbl.PrimaryKey, ", ")
	if len(updates) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(updates, ", "))
}

// missingColumns returns the schema columns absent from the batch.
func missingColumns(tbl *schema.Table, rows *frame.Frame) []string {
	var missing []string
	for _, col := range tbl.Columns {
		if !rows.HasColumn(col.Name) {
			missing = append(missing, col.Name)
		}
	}
	return missing
}
