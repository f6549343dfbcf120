// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package publish

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/yeetrun/crateyard/pkg/index"
	"tailscale.com/types/logger"
)

// Yanker changes the yanked flag of published versions.
type Yanker struct {
	idx  *index.Repository
	mu   *sync.Mutex
	logf logger.Logf
}

// NewYanker returns a Yanker for idx. mu must be the lock shared with the
// Pipeline writing to idx.
func NewYanker(idx *index.Repository, mu *sync.Mutex, logf logger.Logf) *Yanker {
	if logf == nil {
		logf = log.Printf
	}
	return &Yanker{idx: idx, mu: mu, logf: logf}
}

// Yank marks name at version as yanked and returns the resulting flag.
// Yanking a yanked version succeeds without changes.
func (y *Yanker) Yank(ctx context.Context, name, version string) (bool, error) {
	return y.set(ctx, name, version, true)
}

// Unyank clears the yanked flag of name at version and returns the
// resulting flag.
func (y *Yanker) Unyank(ctx context.Context, name, version string) (bool, error) {
	return y.set(ctx, name, version, false)
}

func (y *Yanker) set(ctx context.Context, name, version string, yanked bool) (bool, error) {
	if !ValidName(name) {
		return false, fmt.Errorf("%w: %s %s", ErrNotFound, name, version)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	y.mu.Lock()
	defer y.mu.Unlock()
	changed, err := y.idx.SetYanked(name, version, yanked)
	if errors.Is(err, index.ErrNotFound) {
		return false, fmt.Errorf("%w: %s %s", ErrNotFound, name, version)
	}
	if err != nil {
		return false, err
	}
	if !changed {
		y.logf("yank: %s %s already yanked=%v", name, version, yanked)
	}
	return yanked, nil
}
