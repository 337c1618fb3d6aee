// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package metrics provides Prometheus instrumentation for the download
// pipeline: task outcomes, rate-limit waits, buffer flushes, and upserts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Download metrics
	DownloadTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_download_tasks_total",
			Help: "Total download task executions by task type and outcome",
		},
		[]string{"task_type", "outcome"}, // outcome: success, empty, error
	)

	DownloadRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_download_retries_total",
			Help: "Total retry submissions by task type",
		},
		[]string{"task_type"},
	)

	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickflow_download_duration_seconds",
			Help:    "Duration of a single fetch attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// Rate limiter metrics
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickflow_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit token",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
		},
		[]string{"task_type"},
	)

	// Buffer metrics
	BufferedItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickflow_buffer_items",
			Help: "Current number of buffered row batches",
		},
	)

	BufferFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_buffer_flushes_total",
			Help: "Total buffer flush operations by trigger",
		},
		[]string{"trigger"}, // trigger: size, memory, interval, manual, shutdown
	)

	BufferFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickflow_buffer_flush_duration_seconds",
			Help:    "Duration of a full buffer flush in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Store metrics
	UpsertRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_upsert_rows_total",
			Help: "Total rows written through the upsert path by table",
		},
		[]string{"table"},
	)

	UpsertErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_upsert_errors_total",
			Help: "Total failed upsert transactions by table",
		},
		[]string{"table"},
	)

	// Dead-letter metrics
	DeadLetterAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_dead_letter_appends_total",
			Help: "Total new dead-letter ledger entries by category",
		},
		[]string{"category"},
	)
)

// RecordDownload records one fetch attempt's outcome and duration.
func RecordDownload(taskType, outcome string, duration time.Duration) {
	DownloadTasks.WithLabelValues(taskType, outcome).Inc()
	DownloadDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordRateLimitWait records time spent blocked on a rate-limit token.
func RecordRateLimitWait(taskType string, waited time.Duration) {
	RateLimitWait.WithLabelValues(taskType).Observe(waited.Seconds())
}

// RecordFlush records one buffer flush.
func RecordFlush(trigger string, duration time.Duration) {
	BufferFlushes.WithLabelValues(trigger).Inc()
	BufferFlushDuration.Observe(duration.Seconds())
}

// RecordUpsert records rows written to a table.
func RecordUpsert(table string, rows int) {
	UpsertRows.WithLabelValues(table).Add(float64(rows))
}
