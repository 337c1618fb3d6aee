// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package supervisor manages the long-running background services with a
// suture v4 supervision tree: crashed services restart with exponential
// backoff, and a failure in one layer does not take down the other.
//
// The tree has two layers:
//
//	tickflow (root)
//	├── pipeline-layer    buffer flush loop, parquet metadata sync
//	└── telemetry-layer   Prometheus metrics endpoint
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/jywei/tickflow/internal/logging"
)

// TreeConfig holds supervisor restart tuning. Zero values take suture's
// production defaults.
type TreeConfig struct {
	// FailureThreshold is the failure count before entering backoff.
	FailureThreshold float64

	// FailureDecay is the failure-counter decay rate in seconds.
	FailureDecay float64

	// FailureBackoff is how long restarts pause once the threshold trips.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds one service's graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the tickflow supervision tree.
type Tree struct {
	root      *suture.Supervisor
	pipeline  *suture.Supervisor
	telemetry *suture.Supervisor
	config    TreeConfig
}

// NewTree builds the supervision tree. Supervision events log through the
// sutureslog adapter into the zerolog facade.
func NewTree(config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger()}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("tickflow", rootSpec)
	pipeline := suture.New("pipeline-layer", childSpec)
	telemetry := suture.New("telemetry-layer", childSpec)
	root.Add(pipeline)
	root.Add(telemetry)

	return &Tree{root: root, pipeline: pipeline, telemetry: telemetry, config: config}
}

// AddPipelineService adds a service to the pipeline layer: buffer flushing
// and metadata sync belong here.
func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

// AddTelemetryService adds a service to the telemetry layer.
func (t *Tree) AddTelemetryService(svc suture.Service) suture.ServiceToken {
	return t.telemetry.Add(svc)
}

// Serve runs the tree, blocking until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree on its own goroutine and returns the
// terminal error channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
