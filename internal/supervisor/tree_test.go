// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// countingService records serves and blocks until canceled.
type countingService struct {
	serves atomic.Int32
}

func (s *countingService) Serve(ctx context.Context) error {
	s.serves.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

// crashingService fails a fixed number of times, then blocks.
type crashingService struct {
	crashes atomic.Int32
	limit   int32
}

func (s *crashingService) Serve(ctx context.Context) error {
	if s.crashes.Add(1) <= s.limit {
		return errors.New("simulated crash")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 || cfg.FailureDecay != 30.0 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.FailureBackoff != 15*time.Second || cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestTree_ServesAndStops(t *testing.T) {
	tree := NewTree(DefaultTreeConfig())
	svc := &countingService{}
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(5 * time.Second)
	for svc.serves.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("service never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled or nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}

func TestTree_RestartsCrashedService(t *testing.T) {
	tree := NewTree(TreeConfig{FailureBackoff: 10 * time.Millisecond})
	svc := &crashingService{limit: 2}
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = tree.ServeBackground(ctx)

	deadline := time.After(5 * time.Second)
	for svc.crashes.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("crashes = %d, want restarts past 2 failures", svc.crashes.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTree_LayerIsolation(t *testing.T) {
	tree := NewTree(TreeConfig{FailureBackoff: 10 * time.Millisecond})
	pipeline := &crashingService{limit: 1}
	telemetry := &countingService{}
	tree.AddPipelineService(pipeline)
	tree.AddTelemetryService(telemetry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = tree.ServeBackground(ctx)

	deadline := time.After(5 * time.Second)
	for pipeline.crashes.Load() < 2 || telemetry.serves.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("services did not reach expected states")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// The telemetry service kept running through the pipeline crash.
	if telemetry.serves.Load() != 1 {
		t.Errorf("telemetry serves = %d, want 1 uninterrupted run", telemetry.serves.Load())
	}
}
