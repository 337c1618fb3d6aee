// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package schema

// TaskType identifies one Tushare fetch category. Each task type maps to
// one API method, one target table, and one rate-limit budget.
type TaskType string

// Supported task types. The string value doubles as the table key and the
// Tushare api_name.
const (
	TaskStockBasic   TaskType = "stock_basic"
	TaskTradeCal     TaskType = "trade_cal"
	TaskDaily        TaskType = "daily"
	TaskAdjFactor    TaskType = "adj_factor"
	TaskDailyBasic   TaskType = "daily_basic"
	TaskIncome       TaskType = "income"
	TaskBalanceSheet TaskType = "balancesheet"
	TaskCashflow     TaskType = "cashflow"
)

// AllTaskTypes returns every known task type in a stable order.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskStockBasic,
		TaskTradeCal,
		TaskDaily,
		TaskAdjFactor,
		TaskDailyBasic,
		TaskIncome,
		TaskBalanceSheet,
		TaskCashflow,
	}
}

// String returns the task type's wire name.
func (t TaskType) String() string {
	return string(t)
}

// APIMethod returns the Tushare api_name for the task type.
func (t TaskType) APIMethod() string {
	return string(t)
}

// WholeUniverse reports whether a single invocation of this task type
// returns rows for every tracked instrument at once. Whole-universe tasks
// are never parameterized per symbol.
func (t TaskType) WholeUniverse() bool {
	switch t {
	case TaskStockBasic, TaskTradeCal:
		return true
	default:
		return false
	}
}

// Priority orders download tasks. Lower values dispatch first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 1
	PriorityLow    Priority = 2

	// PriorityUnset marks a task whose caller did not choose a priority;
	// the scheduler substitutes the task type's default.
	PriorityUnset Priority = -1
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unset"
	}
}

// DefaultPriority returns the configured default priority for a task type:
// whole-universe fetches are high, routine per-symbol daily fetches medium,
// financial statements low.
func DefaultPriority(t TaskType) Priority {
	switch t {
	case TaskStockBasic, TaskTradeCal:
		return PriorityHigh
	case TaskIncome, TaskBalanceSheet, TaskCashflow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// DefaultRateLimit is the requests-per-minute budget used for any task type
// without an explicit entry in the rate-limit table.
const DefaultRateLimit = 190

// defaultRateLimits holds per-API-method requests-per-minute budgets.
var defaultRateLimits = map[TaskType]int{
	TaskStockBasic:   190,
	TaskTradeCal:     190,
	TaskDaily:        480,
	TaskAdjFactor:    480,
	TaskDailyBasic:   380,
	TaskIncome:       190,
	TaskBalanceSheet: 190,
	TaskCashflow:     190,
}

// RateLimitPerMinute returns the requests-per-minute budget for a task
// type, falling back to DefaultRateLimit for unknown types.
func RateLimitPerMinute(t TaskType) (int, bool) {
	limit, ok := defaultRateLimits[t]
	if !ok {
		return DefaultRateLimit, false
	}
	return limit, true
}
