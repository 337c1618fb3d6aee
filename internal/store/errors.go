// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package store

import (
	"fmt"
	"strings"
)

// NoPrimaryKeyError reports an upsert against a table whose schema declares
// no primary key. Upsert semantics are undefined without one; this is a
// configuration error, not an operational one.
type NoPrimaryKeyError struct {
	Table string
}

func (e *NoPrimaryKeyError) Error() string {
	return fmt.Sprintf("no primary key defined for table %q", e.Table)
}

// MissingColumnsError reports an upsert batch that lacks columns the schema
// requires. Extra columns beyond the schema are ignored, not an error.
type MissingColumnsError struct {
	Table   string
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("batch for table %q missing columns: %s",
		e.Table, strings.Join(e.Missing, ", "))
}
