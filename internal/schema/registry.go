// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package schema declares the table layouts, task types, priorities, and
// rate-limit budgets driving the download pipeline. The Registry is
// constructed once at startup and passed by reference into the components
// that need it; there is no package-level mutable state.
package schema

import (
	"fmt"
	"sort"
)

// Column is one declared table column.
type Column struct {
	Name string
	// Type is the declared logical type: TEXT, REAL, INTEGER, DATE, or
	// BOOLEAN. Unrecognized types map to VARCHAR at table creation.
	Type string
}

// Table describes one target table: its physical name, declared primary
// key, column set, and optional temporal column for incremental fetching.
type Table struct {
	Name       string
	PrimaryKey []string
	Columns    []Column
	// DateCol is empty for tables without a temporal axis (slowly changing
	// dimensions such as the instrument list).
	DateCol string
}

// ColumnNames returns the declared column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (t *Table) IsPrimaryKey(col string) bool {
	for _, pk := range t.PrimaryKey {
		if pk == col {
			return true
		}
	}
	return false
}

// UnknownTableError reports a lookup for a table key the registry does not
// know. Callers distinguish it from operational errors with errors.As.
type UnknownTableError struct {
	Key string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table key %q", e.Key)
}

// Registry resolves table keys to table descriptors.
type Registry struct {
	tables map[string]Table
}

// NewRegistry returns a registry populated with the default Tushare table
// set. The table key equals the task type's wire name.
func NewRegistry() *Registry {
	r := &Registry{tables: make(map[string]Table)}
	for _, t := range defaultTables() {
		r.tables[t.Name] = t
	}
	return r
}

// Lookup resolves a table key. Returns *UnknownTableError when the key has
// no registered table.
func (r *Registry) Lookup(key string) (*Table, error) {
	t, ok := r.tables[key]
	if !ok {
		return nil, &UnknownTableError{Key: key}
	}
	return &t, nil
}

// Keys returns all registered table keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.tables))
	for k := range r.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Register adds or replaces a table descriptor. Intended for tests and for
// deployments that extend the default table set.
func (r *Registry) Register(t Table) {
	r.tables[t.Name] = t
}

// defaultTables declares the stock-data tables. Dates arrive from Tushare
// as yyyymmdd strings and are stored as TEXT so range predicates stay
// lexicographic.
func defaultTables() []Table {
	return []Table{
		{
			Name:       "stock_basic",
			PrimaryKey: []string{"ts_code"},
			Columns: []Column{
				{Name: "ts_code", Type: "TEXT"},
				{Name: "symbol", Type: "TEXT"},
				{Name: "name", Type: "TEXT"},
				{Name: "area", Type: "TEXT"},
				{Name: "industry", Type: "TEXT"},
				{Name: "market", Type: "TEXT"},
				{Name: "list_status", Type: "TEXT"},
				{Name: "list_date", Type: "TEXT"},
				{Name: "is_hs", Type: "TEXT"},
			},
		},
		{
			Name:       "trade_cal",
			PrimaryKey: []string{"exchange", "cal_date"},
			DateCol:    "cal_date",
			Columns: []Column{
				{Name: "exchange", Type: "TEXT"},
				{Name: "cal_date", Type: "TEXT"},
				{Name: "is_open", Type: "INTEGER"},
				{Name: "pretrade_date", Type: "TEXT"},
			},
		},
		{
			Name:       "daily",
			PrimaryKey: []string{"ts_code", "trade_date"},
			DateCol:    "trade_date",
			Columns: []Column{
				{Name: "ts_code", Type: "TEXT"},
				{Name: "trade_date", Type: "TEXT"},
				{Name: "open", Type: "REAL"},
				{Name: "high", Type: "REAL"},
				{Name: "low", Type: "REAL"},
				{Name: "close", Type: "REAL"},
				{Name: "pre_close", Type: "REAL"},
				{Name: "change", Type: "REAL"},
				{Name: "pct_chg", Type: "REAL"},
				{Name: "vol", Type: "REAL"},
				{Name: "amount", Type: "REAL"},
			},
		},
		{
			Name:       "adj_factor",
			PrimaryKey: []string{"ts_code", "trade_date"},
			DateCol:    "trade_date",
			Columns: []Column{
				{Name: "ts_code", Type: "TEXT"},
				{Name: "trade_date", Type: "TEXT"},
				{Name: "adj_factor", Type: "REAL"},
			},
		},
		{
			Name:       "daily_basic",
			PrimaryKey: []string{"ts_code", "trade_date"},
			DateCol:    "trade_date",
			Columns: []Column{
				{Name: "ts_code", Type: "TEXT"},
				{Name: "trade_date", Type: "TEXT"},
				{Name: "turnover_rate", Type: "REAL"},
				{Name: "volume_ratio", Type: "REAL"},
				{Name: "pe", Type: "REAL"},
				{Name: "pb", Type: "REAL"},
				{Name: "ps", Type: "REAL"},
				{Name: "total_share", Type: "REAL"},
				{Name: "float_share", Type: "REAL"},
				{Name: "total_mv", Type: "REAL"},
				{Name: "circ_mv", Type: "REAL"},
			},
		},
		{
			Name:       "income",
			PrimaryKey: []string{"ts_code", "end_date", "report_type"},
			DateCol:    "end_date",
			Columns: []Column{
				{Name: "ts_code", Type: "TEXT"},
				{Name: "ann_date", Type: "TEXT"},
				{Name: "f_ann_date", Type: "TEXT"},
				{Name: "end_date", Type: "TEXT"},
				{Name: "report_type", Type: "TEXT"},
				{Name: "comp_type", Type: "TEXT"},
				{Name: "basic_eps", Type: "REAL"},
				{Name: "total_revenue", Type: "REAL"},
				{Name: "revenue", Type: "REAL"},
				{Name: "operate_profit", Type: "REAL"},
				{Name: "total_profit", Type: "REAL"},
				{Name: "income_tax", Type: "REAL"},
				{Name: "n_income", Type: "REAL"},
			},
		},
		{
			Name:       "balancesheet",
			PrimaryKey: []string{"ts_code", "end_date", "report_type"},
			DateCol:    "end_date",
			Columns: []Column{
				{Name: "ts_code", Type: "TEXT"},
				{Name: "ann_date", Type: "TEXT"},
				{Name: "f_ann_date", Type: "TEXT"},
				{Name: "end_date", Type: "TEXT"},
				{Name: "report_type", Type: "TEXT"},
				{Name: "comp_type", Type: "TEXT"},
				{Name: "total_share", Type: "REAL"},
				{Name: "total_assets", Type: "REAL"},
				{Name: "total_liab", Type: "REAL"},
				{Name: "total_hldr_eqy_inc_min_int", Type: "REAL"},
			},
		},
		{
			Name:       "cashflow",
			PrimaryKey: []string{"ts_code", "end_date", "report_type"},
			DateCol:    "end_date",
			Columns: []Column{
				{Name: "ts_code", Type: "TEXT"},
				{Name: "ann_date", Type: "TEXT"},
				{Name: "f_ann_date", Type: "TEXT"},
				{Name: "end_date", Type: "TEXT"},
				{Name: "report_type", Type: "TEXT"},
				{Name: "comp_type", Type: "TEXT"},
				{Name: "net_profit", Type: "REAL"},
				{Name: "c_fr_sale_sg", Type: "REAL"},
				{Name: "n_cashflow_act", Type: "REAL"},
				{Name: "n_cashflow_inv_act", Type: "REAL"},
				{Name: "n_cash_flows_fnc_act", Type: "REAL"},
			},
		},
	}
}
