// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package deadletter keeps an append-only, per-day, deduplicated record of
// (code, category) pairs that could not be fetched. The file is never
// rewritten in place: dedup happens by checking before append, so external
// tailers and auditors see a strictly growing file.
package deadletter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"time"

	"github.com/jywei/tickflow/internal/logging"
	"github.com/jywei/tickflow/internal/metrics"
)

// header is the CSV header of every ledger file.
var header = []string{"code", "category", "ts"}

// Ledger records failed fetches, one CSV file per calendar day under
// dead_letter/{YYYYMMDD}.csv on the injected filesystem.
type Ledger struct {
	fs  FS
	now func() time.Time
}

// NewLedger creates a ledger over fs.
func NewLedger(fs FS) (*Ledger, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem required")
	}
	return &Ledger{fs: fs, now: time.Now}, nil
}

func ledgerPath(date time.Time) string {
	return "dead_letter/" + date.Format("20060102") + ".csv"
}

// AppendMissing records codes under category in date's ledger, skipping
// (code, category) pairs already present. Returns the count of newly
// appended pairs; zero when everything was already recorded.
func (l *Ledger) AppendMissing(category string, codes []string, date time.Time) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	path := ledgerPath(date)
	existing, err := l.readPairs(path)
	if err != nil {
		return 0, err
	}

	ts := l.now().Format(time.RFC3339)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if len(existing) == 0 && !l.fs.Exists(path) {
		if err := w.Write(header); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
	}

	appended := 0
	seen := make(map[pair]struct{}, len(codes))
	for _, code := range codes {
		p := pair{code: code, category: category}
		if _, dup := existing[p]; dup {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if err := w.Write([]string{code, category, ts}); err != nil {
			return 0, fmt.Errorf("write record: %w", err)
		}
		appended++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("encode ledger records: %w", err)
	}

	if appended == 0 {
		return 0, nil
	}
	if err := l.fs.Append(path, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("append to %s: %w", path, err)
	}

	metrics.DeadLetterAppends.WithLabelValues(category).Add(float64(appended))
	logging.Info().
		Str("category", category).
		Int("new", appended).
		Int("submitted", len(codes)).
		Str("ledger", path).
		Msg("dead-letter entries recorded")
	return appended, nil
}

// RetryMissing reads date's ledger, optionally filtered to a category
// subset, and returns sorted unique codes per category for re-submission.
// A missing ledger file yields an empty result.
func (l *Ledger) RetryMissing(date time.Time, categories ...string) (map[string][]string, error) {
	path := ledgerPath(date)
	pairs, err := l.readPairs(path)
	if err != nil {
		return nil, err
	}

	var filter map[string]struct{}
	if len(categories) > 0 {
		filter = make(map[string]struct{}, len(categories))
		for _, c := range categories {
			filter[c] = struct{}{}
		}
	}

	grouped := make(map[string]map[string]struct{})
	for p := range pairs {
		if filter != nil {
			if _, ok := filter[p.category]; !ok {
				continue
			}
		}
		if grouped[p.category] == nil {
			grouped[p.category] = make(map[string]struct{})
		}
		grouped[p.category][p.code] = struct{}{}
	}

	out := make(map[string][]string, len(grouped))
	for category, codes := range grouped {
		list := make([]string, 0, len(codes))
		for code := range codes {
			list = append(list, code)
		}
		sort.Strings(list)
		out[category] = list
	}
	return out, nil
}

type pair struct {
	code     string
	category string
}

// readPairs loads the full (code, category) set from one ledger file.
// A missing file is an empty set, not an error.
func (l *Ledger) readPairs(path string) (map[pair]struct{}, error) {
	pairs := make(map[pair]struct{})
	if !l.fs.Exists(path) {
		return pairs, nil
	}

	data, err := l.fs.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}

	for i, rec := range records {
		if i == 0 && len(rec) > 0 && rec[0] == "code" {
			continue // header
		}
		if len(rec) < 2 {
			continue
		}
		pairs[pair{code: rec[0], category: rec[1]}] = struct{}{}
	}
	return pairs, nil
}
