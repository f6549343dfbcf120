// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package index implements the Cargo registry index on top of a ledger: one
// file per package, one JSON line per published version.
package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the package or version is not in the index.
	ErrNotFound = errors.New("index entry not found")
	// ErrExists indicates the version is already in the index.
	ErrExists = errors.New("index entry already exists")
	// ErrCorrupt indicates an index file could not be parsed.
	ErrCorrupt = errors.New("index corrupt")
)

// Dep is a dependency of a published version.
type Dep struct {
	// Name is the name the dependency is referred to by. For a renamed
	// dependency the original package name is in Package.
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target"`
	Kind            string   `json:"kind"`
	Registry        *string  `json:"registry"`
	Package         *string  `json:"package"`
}

// Entry is one line of a package's index file.
type Entry struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []Dep               `json:"deps"`
	Cksum       string              `json:"cksum"`
	Features    map[string][]string `json:"features"`
	Yanked      bool                `json:"yanked"`
	Links       *string             `json:"links"`
	RustVersion string              `json:"rust_version,omitempty"`
}

// normalize replaces nil collections with empty ones so they encode as []
// and {} rather than null, which cargo rejects.
func (e *Entry) normalize() {
	if e.Deps == nil {
		e.Deps = []Dep{}
	}
	for i := range e.Deps {
		if e.Deps[i].Features == nil {
			e.Deps[i].Features = []string{}
		}
	}
	if e.Features == nil {
		e.Features = map[string][]string{}
	}
}

// Encode returns the single-line JSON form of e without a trailing newline.
func Encode(e Entry) ([]byte, error) {
	e.normalize()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode index entry %s %s: %w", e.Name, e.Vers, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ParseLine decodes one index line.
func ParseLine(line []byte) (Entry, error) {
	var e Entry
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if dec.More() {
		return Entry{}, fmt.Errorf("%w: trailing data", ErrCorrupt)
	}
	if e.Name == "" || e.Vers == "" {
		return Entry{}, fmt.Errorf("%w: entry without name or version", ErrCorrupt)
	}
	e.normalize()
	return e, nil
}

// Parse decodes a whole index file. Every non-empty line must be a valid
// entry; the first malformed line fails the parse.
func Parse(b []byte) ([]Entry, error) {
	var out []Entry
	for i, line := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}
