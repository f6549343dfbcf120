// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/yeetrun/crateyard/pkg/archive"
	"github.com/yeetrun/crateyard/pkg/index"
	"github.com/yeetrun/crateyard/pkg/ledger"
	"github.com/yeetrun/crateyard/pkg/publish"
	"tailscale.com/types/logger"
)

// Options configures a registry opened with Open.
type Options struct {
	MaxArchiveSize  int64
	MaxMetadataSize int64
	InspectArchives bool
	TraceCacheSize  int
	Verbose         bool
	Logf            logger.Logf
}

// Layout returns the index and archive directories of a registry root.
func Layout(root string) (indexDir, cratesDir string) {
	return filepath.Join(root, "index"), filepath.Join(root, "crates")
}

// Open opens (creating if needed) the registry stored under root and
// returns its handler. A relative root is resolved against the working
// directory.
func Open(root string, opts Options) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve registry root: %w", err)
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	indexDir, cratesDir := Layout(abs)

	l, err := ledger.OpenGit(indexDir, logf)
	if err != nil {
		return nil, fmt.Errorf("failed to open index at %s: %w", indexDir, err)
	}
	store, err := archive.NewFilesystemStore(cratesDir, logf)
	if err != nil {
		return nil, fmt.Errorf("failed to open crate store at %s: %w", cratesDir, err)
	}
	idx := index.NewRepository(l, logf)

	mu := new(sync.Mutex)
	return New(Config{
		Index: idx,
		Store: store,
		Pipeline: publish.NewPipeline(idx, store, mu, publish.Options{
			MaxArchiveSize:  opts.MaxArchiveSize,
			MaxMetadataSize: opts.MaxMetadataSize,
			InspectArchives: opts.InspectArchives,
			Logf:            logf,
		}),
		Yanker:         publish.NewYanker(idx, mu, logf),
		Logf:           logf,
		TraceCacheSize: opts.TraceCacheSize,
		Verbose:        opts.Verbose,
	}), nil
}

// Index returns the registry's index.
func (r *Registry) Index() *index.Repository { return r.cfg.Index }

// Store returns the registry's archive store.
func (r *Registry) Store() archive.Store { return r.cfg.Store }
