// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/yeetrun/crateyard/pkg/ledger"
	"tailscale.com/types/logger"
)

// Repository is the package index stored in a ledger.
//
// Repository does not serialize writers; callers hold a single write lock
// around every read-check-append sequence.
type Repository struct {
	l    ledger.Ledger
	logf logger.Logf
}

// NewRepository returns a Repository over l. A nil logf logs with
// log.Printf.
func NewRepository(l ledger.Ledger, logf logger.Logf) *Repository {
	if logf == nil {
		logf = log.Printf
	}
	return &Repository{l: l, logf: logf}
}

// Ledger returns the underlying ledger.
func (r *Repository) Ledger() ledger.Ledger { return r.l }

// AddMessage is the commit message recorded when a version is published.
func AddMessage(name, version string) string {
	return fmt.Sprintf("Add %s in version %s", name, version)
}

func yankMessage(name, version string, yanked bool) string {
	if yanked {
		return fmt.Sprintf("Yank %s in version %s", name, version)
	}
	return fmt.Sprintf("Unyank %s in version %s", name, version)
}

// Read returns the entries of name in publish order. An unknown package,
// including one whose name cannot be an index file, has no entries.
func (r *Repository) Read(name string) ([]Entry, error) {
	p, ok := Path(name)
	if !ok {
		return nil, nil
	}
	b, err := r.l.ReadAll(p)
	if errors.Is(err, ledger.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	es, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return es, nil
}

// Append adds e as the newest entry of its package and commits.
func (r *Repository) Append(e Entry) error {
	p, ok := Path(e.Name)
	if !ok {
		return fmt.Errorf("%w: invalid package name %q", ErrCorrupt, e.Name)
	}
	existing, err := r.Read(e.Name)
	if err != nil {
		return err
	}
	for _, x := range existing {
		if x.Vers == e.Vers {
			return fmt.Errorf("%w: %s %s", ErrExists, e.Name, e.Vers)
		}
	}
	line, err := Encode(e)
	if err != nil {
		return err
	}
	if err := r.l.Append(p, line, AddMessage(e.Name, e.Vers)); err != nil {
		return err
	}
	r.logf("index: added %s %s", e.Name, e.Vers)
	return nil
}

// SetYanked sets the yanked flag of version of name. It reports whether the
// flag changed; setting the current value again commits nothing.
func (r *Repository) SetYanked(name, version string, yanked bool) (changed bool, err error) {
	p, ok := Path(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	b, err := r.l.ReadAll(p)
	if errors.Is(err, ledger.ErrNotExist) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return false, err
	}
	for i, line := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			return false, fmt.Errorf("%s line %d: %w", p, i+1, err)
		}
		if e.Vers != version {
			continue
		}
		if e.Yanked == yanked {
			return false, nil
		}
		repl, err := flipYanked(line, e, yanked)
		if err != nil {
			return false, err
		}
		if err := r.l.ReplaceLine(p, i, line, repl, yankMessage(e.Name, version, yanked)); err != nil {
			return false, err
		}
		r.logf("index: %s %s yanked=%v", e.Name, version, yanked)
		return true, nil
	}
	return false, fmt.Errorf("%w: %s %s", ErrNotFound, name, version)
}

// flipYanked returns line with only its yanked flag set to yanked. The flag
// token is rewritten in place so every other byte of the line is preserved;
// lines where the token is ambiguous are re-encoded.
func flipYanked(line []byte, e Entry, yanked bool) ([]byte, error) {
	from, to := []byte(`"yanked":false`), []byte(`"yanked":true`)
	if !yanked {
		from, to = to, from
	}
	if bytes.Count(line, from) == 1 {
		repl := bytes.Replace(line, from, to, 1)
		if got, err := ParseLine(repl); err == nil && got.Yanked == yanked && got.Vers == e.Vers {
			return repl, nil
		}
	}
	e.Yanked = yanked
	return Encode(e)
}

// Raw returns the committed contents of an index file or of config.json.
func (r *Repository) Raw(p string) ([]byte, error) {
	b, err := r.l.ReadAll(p)
	if errors.Is(err, ledger.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Names returns the names of all packages in the index.
func (r *Repository) Names() ([]string, error) {
	files, err := r.l.Files()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range files {
		if strings.HasPrefix(f, ".") || !strings.Contains(f, "/") {
			continue
		}
		if name, ok := NameFromPath(f); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Handler exposes the index for remote synchronization.
func (r *Repository) Handler() http.Handler {
	return r.l.Handler()
}
