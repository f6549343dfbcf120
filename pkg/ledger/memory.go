// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"tailscale.com/util/mak"
)

// Memory is an in-process Ledger. It is used in tests and by tooling that
// needs a throwaway index.
type Memory struct {
	mu      sync.RWMutex
	files   map[string][]byte
	commits []string
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{}
}

// Commits returns the commit messages recorded so far, oldest first.
func (m *Memory) Commits() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.commits)
}

func (m *Memory) ReadAll(p string) ([]byte, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	return bytes.Clone(b), nil
}

func (m *Memory) Append(p string, line []byte, msg string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := appendLine(m.files[p], line)
	if err != nil {
		return err
	}
	m.commitLocked(p, b, msg)
	return nil
}

func (m *Memory) ReplaceLine(p string, n int, from, to []byte, msg string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.files[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	b, err := replaceLine(cur, n, from, to)
	if err != nil {
		return err
	}
	m.commitLocked(p, b, msg)
	return nil
}

func (m *Memory) Put(p string, data []byte, msg string) (bool, error) {
	p, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.files[p]; ok && bytes.Equal(cur, data) {
		return false, nil
	}
	m.commitLocked(p, bytes.Clone(data), msg)
	return true, nil
}

func (m *Memory) commitLocked(p string, b []byte, msg string) {
	mak.Set(&m.files, p, b)
	m.commits = append(m.commits, msg)
}

func (m *Memory) Files() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for p := range m.files {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

// Handler serves committed files by path.
func (m *Memory) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := m.ReadAll(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(b)
	})
}
