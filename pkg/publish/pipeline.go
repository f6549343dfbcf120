// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package publish implements the publish pipeline and yank controller of the
// registry. It ties the archive store and the index together so that a
// version is either fully published (archive stored and index entry
// committed) or not at all.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/package-url/packageurl-go"
	"github.com/yeetrun/crateyard/pkg/archive"
	"github.com/yeetrun/crateyard/pkg/cratefile"
	"github.com/yeetrun/crateyard/pkg/index"
	"tailscale.com/types/logger"
)

// State is a stage of a publish request.
type State int

const (
	Received State = iota
	Validated
	Stored
	Indexed
	Committed
	Rejected
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Validated:
		return "validated"
	case Stored:
		return "stored"
	case Indexed:
		return "indexed"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	// DefaultMaxArchiveSize is the default archive size ceiling.
	DefaultMaxArchiveSize = 20 << 20
	// DefaultMaxMetadataSize is the default metadata size ceiling.
	DefaultMaxMetadataSize = 1 << 20
)

// Options configures a Pipeline.
type Options struct {
	MaxArchiveSize  int64
	MaxMetadataSize int64
	// InspectArchives enables archive layout checks, which only ever produce
	// warnings.
	InspectArchives bool
	// Logf is used for progress logging. Nil means log.Printf.
	Logf logger.Logf
	// OnTransition, if set, is called every time a request changes state.
	OnTransition func(name, version string, s State)
}

// Result describes a successful publish.
type Result struct {
	Name     string
	Version  string
	Checksum string
	PURL     string
	Warnings []string
}

// Pipeline publishes packages.
type Pipeline struct {
	idx   *index.Repository
	store archive.Store
	mu    *sync.Mutex
	opts  Options
	logf  logger.Logf
}

// NewPipeline returns a Pipeline writing to idx and store. mu is the write
// lock of the index; every component mutating idx must share it.
func NewPipeline(idx *index.Repository, store archive.Store, mu *sync.Mutex, opts Options) *Pipeline {
	if opts.MaxArchiveSize <= 0 {
		opts.MaxArchiveSize = DefaultMaxArchiveSize
	}
	if opts.MaxMetadataSize <= 0 {
		opts.MaxMetadataSize = DefaultMaxMetadataSize
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Pipeline{idx: idx, store: store, mu: mu, opts: opts, logf: logf}
}

// MaxBodySize returns the largest request body Publish can accept.
func (p *Pipeline) MaxBodySize() int64 {
	return p.opts.MaxArchiveSize + p.opts.MaxMetadataSize + 8
}

func (p *Pipeline) transition(name, version string, s State) {
	if p.opts.OnTransition != nil {
		p.opts.OnTransition(name, version, s)
	}
}

// Publish runs one publish request read from body.
func (p *Pipeline) Publish(ctx context.Context, body io.Reader) (*Result, error) {
	p.transition("", "", Received)
	frame, err := ReadFrame(body, p.opts.MaxMetadataSize, p.opts.MaxArchiveSize)
	if err != nil {
		p.transition("", "", Rejected)
		return nil, err
	}
	meta, err := ParseMetadata(frame.Metadata)
	if err != nil {
		p.transition("", "", Rejected)
		return nil, err
	}
	name, vers := meta.Name, meta.Vers
	reject := func(err error) (*Result, error) {
		p.transition(name, vers, Rejected)
		p.logf("publish: %s %s rejected: %v", name, vers, err)
		return nil, err
	}
	if err := Validate(meta); err != nil {
		return reject(err)
	}
	existing, err := p.idx.Read(name)
	if err != nil {
		p.transition(name, vers, Failed)
		return nil, err
	}
	if err := CheckOrdering(meta, existing); err != nil {
		return reject(err)
	}
	p.transition(name, vers, Validated)

	opts := archive.PutOptions{Size: frame.CrateLen}
	if meta.Cksum != "" {
		opts.Digest = digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(meta.Cksum))
	}
	ref, err := p.store.Put(ctx, name, vers, io.LimitReader(frame.Crate, frame.CrateLen), opts)
	switch {
	case err == nil:
	case errors.Is(err, archive.ErrAlreadyExists):
		return reject(err)
	case errors.Is(err, archive.ErrSizeMismatch):
		return reject(fmt.Errorf("%w: not enough data for crate: %v", ErrBadRequest, err))
	case errors.Is(err, archive.ErrDigestMismatch):
		return reject(fmt.Errorf("%w: %v", ErrChecksumMismatch, err))
	default:
		p.transition(name, vers, Failed)
		return nil, err
	}
	if n, _ := io.Copy(io.Discard, frame.Crate); n > 0 {
		p.logf("publish: %s %s: body has %d bytes left", name, vers, n)
	}
	p.transition(name, vers, Stored)

	var warnings []string
	if p.opts.InspectArchives {
		data, err := p.store.Get(ctx, name, vers)
		if err != nil {
			p.rollback(ctx, name, vers)
			p.transition(name, vers, Failed)
			return nil, err
		}
		warnings = cratefile.Inspect(name, vers, data)
	}

	if err := p.commit(meta, ref); err != nil {
		p.rollback(ctx, name, vers)
		var ve *ValidationError
		if errors.As(err, &ve) {
			return reject(err)
		}
		p.transition(name, vers, Failed)
		p.logf("publish: %s %s failed: %v", name, vers, err)
		return nil, err
	}
	p.transition(name, vers, Committed)

	res := &Result{
		Name:     name,
		Version:  vers,
		Checksum: ref.Checksum(),
		PURL:     packageurl.NewPackageURL(packageurl.TypeCargo, "", name, vers, nil, "").ToString(),
		Warnings: warnings,
	}
	p.logf("publish: %s committed (%s)", res.PURL, res.Checksum)
	return res, nil
}

// commit re-checks ordering and appends the index entry under the write
// lock. Entries committed by other requests since validation are taken
// into account.
func (p *Pipeline) commit(meta *Metadata, ref archive.Ref) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, err := p.idx.Read(meta.Name)
	if err != nil {
		return err
	}
	if err := CheckOrdering(meta, existing); err != nil {
		return err
	}
	if err := p.idx.Append(meta.Entry(ref.Checksum())); err != nil {
		return err
	}
	p.transition(meta.Name, meta.Vers, Indexed)
	return nil
}

// rollback removes the archive of a version that did not make it into the
// index.
func (p *Pipeline) rollback(ctx context.Context, name, version string) {
	if err := p.store.Delete(context.WithoutCancel(ctx), name, version); err != nil {
		p.logf("publish: %s %s: rollback failed, archive left orphaned: %v", name, version, err)
	}
}
