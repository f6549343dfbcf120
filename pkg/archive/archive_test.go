// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
)

func newStore(t *testing.T) *FilesystemStore {
	t.Helper()
	s, err := NewFilesystemStore(t.TempDir(), t.Logf)
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	data := []byte("ABC")

	ref, err := s.Put(ctx, "foo", "1.0.0", bytes.NewReader(data), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	sum := sha256.Sum256(data)
	if got, want := ref.Checksum(), hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("Checksum = %s, want %s", got, want)
	}
	if ref.Size != int64(len(data)) {
		t.Fatalf("Size = %d, want %d", ref.Size, len(data))
	}

	got, err := s.Get(ctx, "foo", "1.0.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get = %q, want %q", got, data)
	}

	d, err := s.DigestOf(ctx, "foo", "1.0.0")
	if err != nil {
		t.Fatalf("DigestOf: %v", err)
	}
	if d != ref.Digest {
		t.Fatalf("DigestOf = %s, want %s", d, ref.Digest)
	}
	if filepath.Base(ref.Path) != "foo-1.0.0.crate" {
		t.Fatalf("Path = %s", ref.Path)
	}
}

func TestPutRejectsExisting(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "foo", "1.0.0", bytes.NewReader([]byte("first")), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, err := s.Put(ctx, "foo", "1.0.0", bytes.NewReader([]byte("second")), PutOptions{})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Put error = %v, want ErrAlreadyExists", err)
	}
	got, err := s.Get(ctx, "foo", "1.0.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("archive overwritten: %q", got)
	}
}

func TestPutCaseInsensitiveKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "Foo", "1.0.0", bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Exists(ctx, "foo", "1.0.0") {
		t.Fatal("Exists(foo) = false after Put(Foo)")
	}
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, errors.New("disk on fire")
	}
	r.n--
	p[0] = 'x'
	return 1, nil
}

func TestPutFailureLeavesNothingVisible(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, "foo", "1.0.0", &failingReader{n: 3}, PutOptions{})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Put error = %v, want ErrStorage", err)
	}
	if s.Exists(ctx, "foo", "1.0.0") {
		t.Fatal("partial archive visible after failed Put")
	}
	if _, err := s.Get(ctx, "foo", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
	tmp, err := os.ReadDir(filepath.Join(s.rootDir, tmpDir))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(tmp) != 0 {
		t.Fatalf("%d temp files left behind", len(tmp))
	}
	// The key is free again after a failed write.
	if _, err := s.Put(ctx, "foo", "1.0.0", bytes.NewReader([]byte("ok")), PutOptions{}); err != nil {
		t.Fatalf("Put after failure: %v", err)
	}
}

// blockingReader blocks until release is closed.
type blockingReader struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingReader) Read(p []byte) (int, error) {
	r.once.Do(func() { close(r.started) })
	<-r.release
	return 0, io.EOF
}

func TestPutRejectsConcurrentSameKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	br := &blockingReader{started: make(chan struct{}), release: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		_, err := s.Put(ctx, "foo", "1.0.0", br, PutOptions{})
		done <- err
	}()
	<-br.started

	_, err := s.Put(ctx, "foo", "1.0.0", bytes.NewReader([]byte("racer")), PutOptions{})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("concurrent Put error = %v, want ErrAlreadyExists", err)
	}
	close(br.release)
	if err := <-done; err != nil {
		t.Fatalf("first Put: %v", err)
	}
}

func TestDeleteAndMissing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Delete(ctx, "nope", "0.1.0"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}
	if _, err := s.Put(ctx, "foo", "1.0.0", bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "foo", "1.0.0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Open(ctx, "foo", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open after Delete = %v, want ErrNotFound", err)
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	s := newStore(t)
	for _, k := range [][2]string{
		{"../etc", "1.0.0"},
		{"foo", "../../passwd"},
		{"", "1.0.0"},
		{".tmp", "1.0.0"},
	} {
		if _, err := s.Path(k[0], k[1]); !errors.Is(err, ErrNotFound) {
			t.Errorf("Path(%q, %q) error = %v, want ErrNotFound", k[0], k[1], err)
		}
	}
}

func TestPutUnexpectedSizeLeavesNothing(t *testing.T) {
	tests := []struct {
		name string
		data string
		size int64
	}{
		{"short", "ABC", 10},
		{"long", "ABCDEFGHIJKL", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			_, err := s.Put(ctx, "foo", "1.0.0", strings.NewReader(tt.data), PutOptions{Size: tt.size})
			if !errors.Is(err, ErrSizeMismatch) {
				t.Fatalf("Put error = %v, want ErrSizeMismatch", err)
			}
			p, err := s.Path("foo", "1.0.0")
			if err != nil {
				t.Fatalf("Path: %v", err)
			}
			if _, err := os.Lstat(p); !os.IsNotExist(err) {
				t.Fatalf("Lstat(%s) = %v, want not exist", p, err)
			}
			tmp, err := os.ReadDir(filepath.Join(s.rootDir, tmpDir))
			if err != nil {
				t.Fatalf("ReadDir: %v", err)
			}
			if len(tmp) != 0 {
				t.Fatalf("%d temp files left behind", len(tmp))
			}
		})
	}
}

func TestPutExpectedDigest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	data := []byte("ABC")
	want := digest.FromBytes(data)

	_, err := s.Put(ctx, "foo", "1.0.0", bytes.NewReader(data), PutOptions{Digest: digest.FromString("other")})
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("Put error = %v, want ErrDigestMismatch", err)
	}
	if s.Exists(ctx, "foo", "1.0.0") {
		t.Fatal("archive visible after digest mismatch")
	}

	ref, err := s.Put(ctx, "foo", "1.0.0", bytes.NewReader(data), PutOptions{Size: 3, Digest: want})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.Digest != want {
		t.Fatalf("Digest = %s, want %s", ref.Digest, want)
	}
}

func TestNilLogfUsesStandardLogger(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	s, err := NewFilesystemStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	if _, err := s.Put(context.Background(), "foo", "1.0.0", strings.NewReader("x"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.Contains(buf.String(), "archive: stored foo-1.0.0.crate") {
		t.Fatalf("log output = %q", buf.String())
	}
}
