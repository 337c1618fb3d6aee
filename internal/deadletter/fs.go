// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

package deadletter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FS is the ledger's filesystem. Injected so tests run against an
// in-memory implementation instead of patching global file access.
type FS interface {
	Read(name string) ([]byte, error)
	Append(name string, data []byte) error
	Exists(name string) bool
}

// OSFS is an FS rooted at a base directory on the real filesystem.
type OSFS struct {
	root string
}

// NewOSFS creates an OS-backed FS rooted at root.
func NewOSFS(root string) *OSFS {
	return &OSFS{root: root}
}

func (f *OSFS) path(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(name))
}

func (f *OSFS) Read(name string) ([]byte, error) {
	return os.ReadFile(f.path(name))
}

func (f *OSFS) Append(name string, data []byte) error {
	p := f.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	file, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open ledger for append: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("append ledger data: %w", err)
	}
	return file.Close()
}

func (f *OSFS) Exists(name string) bool {
	_, err := os.Stat(f.path(name))
	return err == nil
}

// MemFS is an in-memory FS for tests.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemFS creates an empty in-memory FS.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

func (f *MemFS) Read(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *MemFS) Append(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = append(f.files[name], data...)
	return nil
}

func (f *MemFS) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[name]
	return ok
}
