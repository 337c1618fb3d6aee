// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jywei/tickflow/internal/logging"
)

// MetadataConfig holds parquet export settings.
type MetadataConfig struct {
	// Dir is the export root: one subdirectory per table.
	Dir string

	// PartitionByYear writes one parquet file per distinct year of the
	// table's date column instead of a single file. Tables without a date
	// column always get a single file.
	PartitionByYear bool
}

// MetadataSync reconciles the DuckDB tables with an on-disk parquet layout:
// tables export to directory-per-table parquet files, and a *_parquet view
// is maintained over each table's files via read_parquet, so external
// readers see the same data without opening the database.
type MetadataSync struct {
	db  *DB
	cfg MetadataConfig
}

// NewMetadataSync creates a sync manager exporting under cfg.Dir.
func NewMetadataSync(db *DB, cfg MetadataConfig) (*MetadataSync, error) {
	if db == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("export directory required")
	}
	return &MetadataSync{db: db, cfg: cfg}, nil
}

// Sync exports every non-empty table and refreshes the parquet views.
func (m *MetadataSync) Sync(ctx context.Context) error {
	if err := m.ExportAll(ctx); err != nil {
		return err
	}
	return m.RefreshViews(ctx)
}

// ExportAll exports every non-empty table in the registry.
func (m *MetadataSync) ExportAll(ctx context.Context) error {
	for _, key := range m.db.registry.Keys() {
		if err := m.ExportTable(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ExportTable writes tableKey's rows to parquet under Dir/<table>/.
// Empty tables are skipped. Existing files for the same partition are
// overwritten, so repeated exports converge.
func (m *MetadataSync) ExportTable(ctx context.Context, tableKey string) error {
	tbl, err := m.db.registry.Lookup(tableKey)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	n, err := m.db.CountRows(ctx, tableKey)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	tableDir := filepath.Join(m.cfg.Dir, tbl.Name)
	if err := os.MkdirAll(tableDir, 0o750); err != nil {
		return fmt.Errorf("create export directory %s: %w", tableDir, err)
	}

	ctx, cancel := ensureContext(ctx)
	defer cancel()

	if !m.cfg.PartitionByYear || tbl.DateCol == "" {
		dest := filepath.Join(tableDir, tbl.Name+".parquet")
		copySQL := fmt.Sprintf("COPY (SELECT * FROM %s) TO '%s' (FORMAT PARQUET)",
			tbl.Name, sqlPath(dest))
		if _, err := m.db.conn.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("export %s: %w", tbl.Name, err)
		}
		logging.Debug().Str("table", tbl.Name).Int64("rows", n).Msg("parquet export complete")
		return nil
	}

	years, err := m.distinctYears(ctx, tbl.Name, tbl.DateCol)
	if err != nil {
		return err
	}
	for _, year := range years {
		dest := filepath.Join(tableDir, year+".parquet")
		copySQL := fmt.Sprintf(
			"COPY (SELECT * FROM %s WHERE substr(%s, 1, 4) = '%s') TO '%s' (FORMAT PARQUET)",
			tbl.Name, tbl.DateCol, year, sqlPath(dest))
		if _, err := m.db.conn.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("export %s year %s: %w", tbl.Name, year, err)
		}
	}
	logging.Debug().
		Str("table", tbl.Name).
		Int64("rows", n).
		Int("partitions", len(years)).
		Msg("parquet export complete")
	return nil
}

// RefreshViews creates or replaces a <table>_parquet view over each
// table's exported files. Tables with no exported files are skipped.
func (m *MetadataSync) RefreshViews(ctx context.Context) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	for _, key := range m.db.registry.Keys() {
		tbl, err := m.db.registry.Lookup(key)
		if err != nil {
			return err
		}
		tableDir := filepath.Join(m.cfg.Dir, tbl.Name)
		if !hasParquetFiles(tableDir) {
			continue
		}

		glob := filepath.Join(tableDir, "*.parquet")
		viewSQL := fmt.Sprintf("CREATE OR REPLACE VIEW %s_parquet AS SELECT * FROM read_parquet('%s')",
			tbl.Name, sqlPath(glob))
		if _, err := m.db.conn.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("refresh view for %s: %w", tbl.Name, err)
		}
	}
	return nil
}

// distinctYears lists the distinct leading-4-digit years in dateCol.
func (m *MetadataSync) distinctYears(ctx context.Context, table, dateCol string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT substr(%s, 1, 4) AS y FROM %s WHERE %s IS NOT NULL ORDER BY y",
		dateCol, table, dateCol)
	rows, err := m.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list years for %s: %w", table, err)
	}
	defer closeQuietly(rows)

	var years []string
	for rows.Next() {
		var y string
		if err := rows.Scan(&y); err != nil {
			return nil, fmt.Errorf("scan year: %w", err)
		}
		years = append(years, y)
	}
	return years, rows.Err()
}

func hasParquetFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".parquet") {
			return true
		}
	}
	return false
}

// sqlPath escapes single quotes for embedding a filesystem path in SQL.
func sqlPath(p string) string {
	return strings.ReplaceAll(p, "'", "''")
}
