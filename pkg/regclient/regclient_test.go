// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/yeetrun/crateyard/pkg/discovery"
	"github.com/yeetrun/crateyard/pkg/publish"
	"github.com/yeetrun/crateyard/pkg/registry"
)

func newRegistry(t *testing.T) string {
	t.Helper()
	reg, err := registry.Open(t.TempDir(), registry.Options{Logf: t.Logf})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts := httptest.NewServer(reg)
	t.Cleanup(ts.Close)
	if _, err := discovery.Regenerate(reg.Index().Ledger(), strings.TrimPrefix(ts.URL, "http://")); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	return ts.URL
}

func newClient(t *testing.T, server string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogf(t.Logf), WithBaseDelay(time.Millisecond)}, opts...)
	c, err := New(server, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, s := range []string{"", "localhost:8080", "://x"} {
		if _, err := New(s); err == nil {
			t.Errorf("New(%q) succeeded", s)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newRegistry(t))

	res, err := c.Publish(ctx, publish.Metadata{Name: "foo", Vers: "1.0.0"}, []byte("ABC"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.PURL != "pkg:cargo/foo@1.0.0" {
		t.Fatalf("PURL = %q", res.PURL)
	}

	b, err := c.Download(ctx, "foo", "1.0.0")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(b) != "ABC" {
		t.Fatalf("Download = %q, want ABC", b)
	}

	yanked, err := c.Yank(ctx, "foo", "1.0.0")
	if err != nil {
		t.Fatalf("Yank: %v", err)
	}
	if !yanked {
		t.Fatal("Yank reported yanked=false")
	}
	entries, err := c.Entries(ctx, "foo")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || !entries[0].Yanked || entries[0].Cksum != res.Cksum {
		t.Fatalf("Entries = %+v", entries)
	}

	yanked, err = c.Unyank(ctx, "foo", "1.0.0")
	if err != nil {
		t.Fatalf("Unyank: %v", err)
	}
	if yanked {
		t.Fatal("Unyank reported yanked=true")
	}
}

func TestAPIErrors(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newRegistry(t))

	_, err := c.Download(ctx, "nope", "0.1.0")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download error = %v, want ErrNotFound", err)
	}
	if _, err := c.Entries(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Entries error = %v, want ErrNotFound", err)
	}

	if _, err := c.Publish(ctx, publish.Metadata{Name: "foo", Vers: "1.0.0"}, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, err = c.Publish(ctx, publish.Metadata{Name: "foo", Vers: "1.0.0"}, []byte("y"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("republish error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("Status = %d, want 422", apiErr.Status)
	}
	if diff := cmp.Diff([]string{"foo 1.0.0 already exists"}, apiErr.Details); diff != "" {
		t.Fatalf("Details (-want +got):\n%s", diff)
	}
}

func TestRetriesIdempotent(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("crate"))
	}))
	defer ts.Close()

	c := newClient(t, ts.URL)
	b, err := c.Download(context.Background(), "foo", "1.0.0")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(b) != "crate" {
		t.Fatalf("Download = %q", b)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d requests, want 3", got)
	}
}

func TestPublishNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errors":[{"detail":"ledger commit failed"}]}`))
	}))
	defer ts.Close()

	c := newClient(t, ts.URL)
	_, err := c.Publish(context.Background(), publish.Metadata{Name: "foo", Vers: "1.0.0"}, []byte("x"))
	if !errors.Is(err, ErrServer) {
		t.Fatalf("Publish error = %v, want ErrServer", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d requests, want 1", got)
	}
}

func TestNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := newClient(t, ts.URL)
	if _, err := c.Download(context.Background(), "foo", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download error = %v, want ErrNotFound", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d requests, want 1", got)
	}
}

func TestBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, WithMaxRetries(0))
	ctx := context.Background()
	for i := range 5 {
		if _, err := c.Download(ctx, "foo", "1.0.0"); !errors.Is(err, ErrServer) {
			t.Fatalf("Download #%d error = %v, want ErrServer", i, err)
		}
	}
	if _, err := c.Download(ctx, "foo", "1.0.0"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Download error = %v, want ErrUnavailable", err)
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("server saw %d requests, want 5", got)
	}
}

func TestTokenOnlyOnMutations(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true,"yanked":true}`))
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, WithToken("secret"))
	ctx := context.Background()
	if _, err := c.Download(ctx, "foo", "1.0.0"); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if _, err := c.Yank(ctx, "foo", "1.0.0"); err != nil {
		t.Fatalf("Yank: %v", err)
	}
	if diff := cmp.Diff([]string{"GET ", "DELETE secret"}, got); diff != "" {
		t.Fatalf("headers (-want +got):\n%s", diff)
	}
}
