// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ledger provides append-only, commit-oriented storage for
// line-oriented files. Every mutation is recorded as exactly one commit and
// readers only ever observe committed contents.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
)

var (
	// ErrNotExist indicates the file has never been committed.
	ErrNotExist = errors.New("file does not exist in ledger")
	// ErrCommit indicates the backing store failed to record a commit. The
	// ledger contents are unchanged when it is returned.
	ErrCommit = errors.New("ledger commit failed")
	// ErrConflict indicates a line replacement did not find the expected
	// line.
	ErrConflict = errors.New("ledger line conflict")
)

// Ledger is an append-only store of newline-terminated records grouped in
// files addressed by slash-separated relative paths.
//
// Callers serialize mutations themselves; a Ledger only guarantees that
// each mutation is atomic.
type Ledger interface {
	// ReadAll returns the committed contents of p, or ErrNotExist.
	ReadAll(p string) ([]byte, error)
	// Append adds line (without trailing newline) to the end of p, creating
	// it if needed, and commits with msg.
	Append(p string, line []byte, msg string) error
	// ReplaceLine replaces line n (0-based) of p, which must currently equal
	// from, with to and commits with msg.
	ReplaceLine(p string, n int, from, to []byte, msg string) error
	// Put sets the full contents of p and commits with msg. It reports
	// whether anything changed; unchanged contents produce no commit.
	Put(p string, data []byte, msg string) (changed bool, err error)
	// Files lists the committed files in lexical order.
	Files() ([]string, error)
	// Handler exposes the ledger for synchronization by remote clients.
	Handler() http.Handler
}

// CleanPath validates a ledger path and returns its canonical form.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", fmt.Errorf("invalid ledger path %q", p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") || c != p {
		return "", fmt.Errorf("invalid ledger path %q", p)
	}
	for _, elem := range strings.Split(c, "/") {
		if strings.HasPrefix(elem, ".git") {
			return "", fmt.Errorf("invalid ledger path %q", p)
		}
	}
	return c, nil
}

// appendLine returns content with line appended as a new record.
func appendLine(content, line []byte) ([]byte, error) {
	if bytes.ContainsAny(line, "\r\n") {
		return nil, errors.New("record contains a newline")
	}
	out := make([]byte, 0, len(content)+len(line)+2)
	out = append(out, content...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, line...)
	return append(out, '\n'), nil
}

// replaceLine returns content with record n swapped from one value to
// another.
func replaceLine(content []byte, n int, from, to []byte) ([]byte, error) {
	if bytes.ContainsAny(to, "\r\n") {
		return nil, errors.New("record contains a newline")
	}
	lines := bytes.SplitAfter(content, []byte("\n"))
	if n < 0 || n >= len(lines) {
		return nil, fmt.Errorf("%w: line %d out of range", ErrConflict, n)
	}
	cur := lines[n]
	nl := bytes.HasSuffix(cur, []byte("\n"))
	if !bytes.Equal(bytes.TrimSuffix(cur, []byte("\n")), from) {
		return nil, fmt.Errorf("%w: line %d changed", ErrConflict, n)
	}
	repl := append([]byte(nil), to...)
	if nl {
		repl = append(repl, '\n')
	}
	lines[n] = repl
	return bytes.Join(lines, nil), nil
}
