// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/yeetrun/crateyard/pkg/fileutil"
	"tailscale.com/types/logger"
)

// Signature is the identity recorded on every commit. It is supplied
// internally so commits never depend on user or system git configuration.
var Signature = object.Signature{
	Name:  "crateyard",
	Email: "crateyard@localhost",
}

// InitialCommitMessage is the message of the commit created for a new
// repository.
const InitialCommitMessage = "Create new repository for cargo registry"

// Git is a Ledger backed by a git repository with a worktree. Committed
// history is what clients fetch, either through the dumb HTTP protocol
// served by Handler or by cloning the directory directly.
type Git struct {
	dir  string
	logf logger.Logf
	now  func() time.Time

	mu   sync.RWMutex // guards repo and the worktree
	repo *git.Repository
}

var _ Ledger = (*Git)(nil)

// OpenGit opens the git repository in dir, initializing it (including an
// initial empty commit) if it does not exist yet. A relative dir is resolved
// against the working directory. A nil logf logs with log.Printf.
func OpenGit(dir string, logf logger.Logf) (*Git, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if logf == nil {
		logf = log.Printf
	}

	repo, err := git.PlainOpen(abs)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(abs, false)
		if err != nil {
			return nil, fmt.Errorf("initialize git repository %s: %w", abs, err)
		}
		logf("ledger: initialized git repository in %s", abs)
	} else if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", abs, err)
	}

	g := &Git{dir: abs, logf: logf, now: time.Now, repo: repo}
	if err := g.ensureCommit(); err != nil {
		return nil, err
	}
	if err := g.updateServerInfo(); err != nil {
		return nil, err
	}
	return g, nil
}

// Dir returns the worktree directory.
func (g *Git) Dir() string { return g.dir }

func (g *Git) ensureCommit() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.repo.Head()
	if err == nil {
		return nil
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := wt.Commit(InitialCommitMessage, g.commitOptions(true)); err != nil {
		return fmt.Errorf("%w: initial commit: %v", ErrCommit, err)
	}
	return nil
}

func (g *Git) commitOptions(allowEmpty bool) *git.CommitOptions {
	sig := Signature
	sig.When = g.now()
	return &git.CommitOptions{
		Author:            &sig,
		Committer:         &sig,
		AllowEmptyCommits: allowEmpty,
	}
}

// headCommitLocked returns the commit HEAD points at.
func (g *Git) headCommitLocked() (*object.Commit, error) {
	ref, err := g.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	c, err := g.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}
	return c, nil
}

// readLocked returns the contents of p at HEAD.
func (g *Git) readLocked(p string) ([]byte, error) {
	c, err := g.headCommitLocked()
	if err != nil {
		return nil, err
	}
	f, err := c.File(p)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	s, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return []byte(s), nil
}

func (g *Git) ReadAll(p string) ([]byte, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readLocked(p)
}

func (g *Git) Append(p string, line []byte, msg string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.readLocked(p)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}
	b, err := appendLine(cur, line)
	if err != nil {
		return err
	}
	return g.commitFileLocked(p, b, msg)
}

func (g *Git) ReplaceLine(p string, n int, from, to []byte, msg string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.readLocked(p)
	if err != nil {
		return err
	}
	b, err := replaceLine(cur, n, from, to)
	if err != nil {
		return err
	}
	return g.commitFileLocked(p, b, msg)
}

func (g *Git) Put(p string, data []byte, msg string) (bool, error) {
	p, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, err := g.readLocked(p)
	if err == nil && bytes.Equal(cur, data) {
		return false, nil
	}
	if err != nil && !errors.Is(err, ErrNotExist) {
		return false, err
	}
	if err := g.commitFileLocked(p, data, msg); err != nil {
		return false, err
	}
	return true, nil
}

// commitFileLocked writes data to p in the worktree, stages and commits it.
// On failure the worktree and index are reset to HEAD so a later mutation
// never commits leftovers of a failed one.
func (g *Git) commitFileLocked(p string, data []byte, msg string) (err error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: open worktree: %v", ErrCommit, err)
	}
	full := filepath.Join(g.dir, filepath.FromSlash(p))
	existed := fileutil.Exists(full)
	defer func() {
		if err == nil {
			return
		}
		if rerr := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); rerr != nil {
			g.logf("ledger: reset after failed commit: %v", rerr)
		}
		if !existed {
			os.Remove(full)
		}
	}()

	if err := fileutil.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrCommit, p, err)
	}
	if _, err := wt.Add(p); err != nil {
		return fmt.Errorf("%w: stage %s: %v", ErrCommit, p, err)
	}
	h, err := wt.Commit(msg, g.commitOptions(false))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	if err := g.updateServerInfoLocked(); err != nil {
		// The commit is durable; only dumb-HTTP clients are affected until
		// the next successful commit refreshes the files.
		g.logf("ledger: %v", err)
	}
	g.logf("ledger: %s %s", h.String()[:12], msg)
	return nil
}

func (g *Git) Files() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, err := g.headCommitLocked()
	if err != nil {
		return nil, err
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("load HEAD tree: %w", err)
	}
	var out []string
	err = tree.Files().ForEach(func(f *object.File) error {
		out = append(out, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk HEAD tree: %w", err)
	}
	slices.Sort(out)
	return out, nil
}

// Head returns the hash of the current commit.
func (g *Git) Head() (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ref, err := g.repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// Log returns the commit messages reachable from HEAD, newest first.
func (g *Git) Log() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ref, err := g.repo.Head()
	if err != nil {
		return nil, err
	}
	iter, err := g.repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, err
	}
	var msgs []string
	err = iter.ForEach(func(c *object.Commit) error {
		msgs = append(msgs, strings.TrimSpace(c.Message))
		return nil
	})
	return msgs, err
}

func (g *Git) updateServerInfo() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updateServerInfoLocked()
}

// updateServerInfoLocked writes the auxiliary files dumb HTTP clients need
// to discover refs and packs, like `git update-server-info`.
func (g *Git) updateServerInfoLocked() error {
	gitDir := filepath.Join(g.dir, git.GitDirName)

	refs, err := g.repo.References()
	if err != nil {
		return fmt.Errorf("list refs: %w", err)
	}
	var lines []string
	err = refs.ForEach(func(r *plumbing.Reference) error {
		if r.Type() != plumbing.HashReference || r.Name() == plumbing.HEAD {
			return nil
		}
		lines = append(lines, r.Hash().String()+"\t"+r.Name().String()+"\n")
		return nil
	})
	if err != nil {
		return fmt.Errorf("list refs: %w", err)
	}
	slices.Sort(lines)
	if err := fileutil.WriteFile(filepath.Join(gitDir, "info", "refs"), []byte(strings.Join(lines, "")), 0644); err != nil {
		return fmt.Errorf("write info/refs: %w", err)
	}

	packs, err := filepath.Glob(filepath.Join(gitDir, "objects", "pack", "*.pack"))
	if err != nil {
		return fmt.Errorf("list packs: %w", err)
	}
	var pl strings.Builder
	for _, p := range packs {
		pl.WriteString("P " + filepath.Base(p) + "\n")
	}
	pl.WriteString("\n")
	if err := fileutil.WriteFile(filepath.Join(gitDir, "objects", "info", "packs"), []byte(pl.String()), 0644); err != nil {
		return fmt.Errorf("write objects/info/packs: %w", err)
	}
	return nil
}

// Handler serves the repository's git directory read-only so clients can
// clone and fetch it over the dumb HTTP protocol.
func (g *Git) Handler() http.Handler {
	fs := http.FileServer(http.Dir(filepath.Join(g.dir, git.GitDirName)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "read-only", http.StatusMethodNotAllowed)
			return
		}
		// Smart-protocol discovery requests must see plain info/refs so
		// git falls back to the dumb protocol.
		if r.URL.RawQuery != "" {
			r2 := r.Clone(r.Context())
			r2.URL.RawQuery = ""
			r = r2
		}
		fs.ServeHTTP(w, r)
	})
}
