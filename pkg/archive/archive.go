// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package archive stores uploaded crate archives keyed by package name and
// version. Archives are written once and never modified afterwards.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"tailscale.com/syncs"
	"tailscale.com/types/logger"
)

var (
	// ErrNotFound indicates no archive exists for the name and version.
	ErrNotFound = errors.New("archive not found")
	// ErrAlreadyExists indicates an archive for the name and version is
	// already stored or currently being written.
	ErrAlreadyExists = errors.New("archive already exists")
	// ErrStorage wraps underlying filesystem failures.
	ErrStorage = errors.New("archive storage failure")
	// ErrSizeMismatch indicates the stream ended before, or ran past, the
	// expected size.
	ErrSizeMismatch = errors.New("archive size mismatch")
	// ErrDigestMismatch indicates the written bytes do not hash to the
	// expected digest.
	ErrDigestMismatch = errors.New("archive digest mismatch")
)

// PutOptions are the expectations Put checks before an archive becomes
// visible.
type PutOptions struct {
	// Size is the expected length in bytes. Zero disables the check.
	Size int64
	// Digest is the expected digest, if any.
	Digest digest.Digest
}

// Ref describes a stored archive.
type Ref struct {
	Name    string
	Version string
	Path    string
	Digest  digest.Digest
	Size    int64
}

// Checksum returns the hex encoded SHA-256 of the archive, the form used in
// index entries.
func (r Ref) Checksum() string {
	return r.Digest.Encoded()
}

// Store provides write-once storage for crate archives.
type Store interface {
	// Put streams r into the archive for name and version. The archive only
	// becomes visible once it has been fully written and matches opts.
	Put(ctx context.Context, name, version string, r io.Reader, opts PutOptions) (Ref, error)
	// Open returns the archive contents as a stream along with its size.
	Open(ctx context.Context, name, version string) (io.ReadCloser, int64, error)
	// Get returns the archive contents.
	Get(ctx context.Context, name, version string) ([]byte, error)
	// DigestOf recomputes the digest of a stored archive.
	DigestOf(ctx context.Context, name, version string) (digest.Digest, error)
	// Exists reports whether an archive is stored.
	Exists(ctx context.Context, name, version string) bool
	// Delete removes a stored archive. Deleting a missing archive is not an
	// error.
	Delete(ctx context.Context, name, version string) error
}

// FilesystemStore implements Store on a local directory.
type FilesystemStore struct {
	rootDir string
	logf    logger.Logf

	// inflight holds the keys of archives currently being written.
	inflight syncs.Map[string, struct{}]
}

var _ Store = (*FilesystemStore)(nil)

// NewFilesystemStore returns a store rooted at rootDir, creating it if needed.
// A relative rootDir is resolved against the working directory. A nil logf
// logs with log.Printf.
func NewFilesystemStore(rootDir string, logf logger.Logf) (*FilesystemStore, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDir), 0755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	if logf == nil {
		logf = log.Printf
	}
	return &FilesystemStore{rootDir: abs, logf: logf}, nil
}

const tmpDir = ".tmp"

// FileName returns the on-disk file name of an archive.
func FileName(name, version string) string {
	return name + "-" + version + ".crate"
}

// Path returns the final path of the archive for name and version.
func (s *FilesystemStore) Path(name, version string) (string, error) {
	if err := checkKey(name, version); err != nil {
		return "", err
	}
	name = strings.ToLower(name)
	return filepath.Join(s.rootDir, name, FileName(name, version)), nil
}

// checkKey rejects names and versions that would escape the store directory.
func checkKey(name, version string) error {
	for _, s := range []string{name, version} {
		if s == "" || s == "." || s == ".." || strings.HasPrefix(s, ".") || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
			return fmt.Errorf("%w: invalid key %q", ErrNotFound, s)
		}
	}
	return nil
}

func key(name, version string) string {
	return strings.ToLower(name) + "@" + version
}

// Put writes r to a temporary file while computing its digest, then links it
// into place. An existing or concurrently written archive for the same key
// is rejected with ErrAlreadyExists. A stream that does not match opts
// fails with ErrSizeMismatch or ErrDigestMismatch and leaves nothing behind.
func (s *FilesystemStore) Put(ctx context.Context, name, version string, r io.Reader, opts PutOptions) (Ref, error) {
	final, err := s.Path(name, version)
	if err != nil {
		return Ref{}, err
	}
	k := key(name, version)
	if _, loaded := s.inflight.LoadOrStore(k, struct{}{}); loaded {
		return Ref{}, fmt.Errorf("%w: %s %s is being written", ErrAlreadyExists, name, version)
	}
	defer s.inflight.Delete(k)

	if _, err := os.Lstat(final); err == nil {
		return Ref{}, fmt.Errorf("%w: %s %s", ErrAlreadyExists, name, version)
	}

	tmp := filepath.Join(s.rootDir, tmpDir, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: create temp file: %v", ErrStorage, err)
	}
	defer os.Remove(tmp)

	algo := digest.Canonical
	if opts.Digest != "" {
		if err := opts.Digest.Validate(); err != nil {
			f.Close()
			return Ref{}, fmt.Errorf("%w: %v", ErrDigestMismatch, err)
		}
		algo = opts.Digest.Algorithm()
	}
	if opts.Size > 0 {
		r = io.LimitReader(r, opts.Size+1)
	}
	digester := algo.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), readerWithContext(ctx, r))
	if err != nil {
		f.Close()
		return Ref{}, fmt.Errorf("%w: write archive: %v", ErrStorage, err)
	}
	if opts.Size > 0 && n != opts.Size {
		f.Close()
		return Ref{}, fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, n, opts.Size)
	}
	if got := digester.Digest(); opts.Digest != "" && got != opts.Digest {
		f.Close()
		return Ref{}, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, opts.Digest.Encoded(), got.Encoded())
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Ref{}, fmt.Errorf("%w: sync archive: %v", ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		return Ref{}, fmt.Errorf("%w: close archive: %v", ErrStorage, err)
	}

	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return Ref{}, fmt.Errorf("%w: create archive directory: %v", ErrStorage, err)
	}
	if err := commitFile(tmp, final); err != nil {
		return Ref{}, err
	}

	ref := Ref{
		Name:    name,
		Version: version,
		Path:    final,
		Digest:  digester.Digest(),
		Size:    n,
	}
	s.logf("archive: stored %s (%d bytes, %s)", filepath.Base(final), n, ref.Digest)
	return ref, nil
}

// commitFile makes tmp visible at final without ever replacing an existing
// file. A hard link fails if final exists; filesystems without hard links
// fall back to a rename after an existence check.
func commitFile(tmp, final string) error {
	err := os.Link(tmp, final)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, filepath.Base(final))
	}
	if _, statErr := os.Lstat(final); statErr == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, filepath.Base(final))
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("%w: rename archive: %v", ErrStorage, err)
	}
	return nil
}

// Open opens the archive for name and version.
func (s *FilesystemStore) Open(ctx context.Context, name, version string) (io.ReadCloser, int64, error) {
	p, err := s.Path(name, version)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s %s", ErrNotFound, name, version)
		}
		return nil, 0, fmt.Errorf("%w: open archive: %v", ErrStorage, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: stat archive: %v", ErrStorage, err)
	}
	return f, st.Size(), nil
}

// Get reads the whole archive for name and version.
func (s *FilesystemStore) Get(ctx context.Context, name, version string) ([]byte, error) {
	rc, _, err := s.Open(ctx, name, version)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read archive: %v", ErrStorage, err)
	}
	return b, nil
}

// DigestOf recomputes the digest of the stored archive.
func (s *FilesystemStore) DigestOf(ctx context.Context, name, version string) (digest.Digest, error) {
	rc, _, err := s.Open(ctx, name, version)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	d, err := digest.Canonical.FromReader(readerWithContext(ctx, rc))
	if err != nil {
		return "", fmt.Errorf("%w: digest archive: %v", ErrStorage, err)
	}
	return d, nil
}

// Exists reports whether the archive for name and version is stored.
func (s *FilesystemStore) Exists(ctx context.Context, name, version string) bool {
	p, err := s.Path(name, version)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Delete removes the archive for name and version.
func (s *FilesystemStore) Delete(ctx context.Context, name, version string) error {
	p, err := s.Path(name, version)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete archive: %v", ErrStorage, err)
	}
	s.logf("archive: deleted %s", filepath.Base(p))
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil || ctx.Done() == nil {
		return r
	}
	return ctxReader{ctx, r}
}
