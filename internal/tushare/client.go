// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package tushare implements the concrete Fetcher against the Tushare Pro
// HTTP API. One POST per fetch: {api_name, token, params, fields}, answered
// with a columnar {fields, items} payload decoded straight into a frame.
// Transport failures trip a circuit breaker; an empty result set is a
// legitimate "nothing new" outcome, not an error.
package tushare

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jywei/tickflow/internal/frame"
	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/schema"
)

// DefaultEndpoint is the Tushare Pro API URL.
const DefaultEndpoint = "http://api.tushare.pro"

// Config holds client settings.
type Config struct {
	// Token authenticates against the Tushare API. Required.
	Token string

	// Endpoint overrides the API URL, mainly for tests.
	Endpoint string

	// Timeout bounds one HTTP round trip. Default: 30s.
	Timeout time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	BreakerThreshold uint32

	// BreakerCooldown is how long the circuit stays open before probing
	// again. Default: 60s.
	BreakerCooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
}

// Client is a Tushare API fetcher. It satisfies downloader.Fetcher.
type Client struct {
	cfg     Config
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker[*frame.Frame]
}

// NewClient creates a Tushare client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("tushare token required")
	}
	cfg.applyDefaults()

	settings := gobreaker.Settings{
		Name:     "tushare-api",
		Timeout:  cfg.BreakerCooldown,
		Interval: 2 * cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*frame.Frame](settings),
	}, nil
}

// request is the Tushare API request envelope.
type request struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

// response is the Tushare API response envelope.
type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// Fetch retrieves taskType's rows for symbol. Whole-universe task types are
// queried without a symbol restriction. A nil frame with nil error means
// the source has no data for the query.
func (c *Client) Fetch(ctx context.Context, taskType schema.TaskType, symbol string, params map[string]string) (*frame.Frame, error) {
	reqParams := make(map[string]string, len(params)+1)
	for k, v := range params {
		reqParams[k] = v
	}
	if symbol != "" && !taskType.WholeUniverse() {
		reqParams["ts_code"] = symbol
	}

	return c.breaker.Execute(func() (*frame.Frame, error) {
		return c.call(ctx, taskType.APIMethod(), reqParams)
	})
}

func (c *Client) call(ctx context.Context, apiName string, params map[string]string) (*frame.Frame, error) {
	body, err := json.Marshal(request{
		APIName: apiName,
		Token:   c.cfg.Token,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", apiName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s: unexpected status %d", apiName, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", apiName, err)
	}

	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", apiName, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("tushare %s: code %d: %s", apiName, env.Code, env.Msg)
	}

	if len(env.Data.Items) == 0 {
		return nil, nil
	}
	return toFrame(env.Data.Fields, env.Data.Items)
}

// toFrame converts the columnar {fields, items} payload into a frame.
func toFrame(fields []string, items [][]any) (*frame.Frame, error) {
	f := frame.New(fields...)
	for i, item := range items {
		if err := f.AppendRow(item...); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return f, nil
}

// BreakerState reports the circuit breaker state for monitoring.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
