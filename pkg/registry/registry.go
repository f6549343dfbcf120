// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/crateyard/pkg/archive"
	"github.com/yeetrun/crateyard/pkg/compress"
	"github.com/yeetrun/crateyard/pkg/index"
	"github.com/yeetrun/crateyard/pkg/ledger"
	"github.com/yeetrun/crateyard/pkg/publish"
	"tailscale.com/types/logger"
)

// Config configures a Registry.
type Config struct {
	Index    *index.Repository
	Store    archive.Store
	Pipeline *publish.Pipeline
	Yanker   *publish.Yanker

	// Logf is used for request traces. Nil means log.Printf.
	Logf logger.Logf
	// TraceCacheSize is the number of distinct recent trace lines tracked
	// for de-duplication.
	TraceCacheSize int
	// Verbose enables debug logging of request routing.
	Verbose bool
}

// Registry is the HTTP handler of a Cargo registry.
type Registry struct {
	cfg   Config
	mux   *http.ServeMux
	trace *traceLogger
}

// New returns a Registry serving the components in cfg.
func New(cfg Config) *Registry {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	r := &Registry{
		cfg:   cfg,
		mux:   http.NewServeMux(),
		trace: newTraceLogger(cfg.Logf, cfg.TraceCacheSize),
	}
	r.setupRoutes()
	return r
}

// PathType is the kind of API request.
type PathType int

const (
	PathTypeUnknown PathType = iota
	PathTypePublish
	PathTypeDownload
	PathTypeYank
	PathTypeUnyank
)

func (pt PathType) String() string {
	switch pt {
	case PathTypePublish:
		return "publish"
	case PathTypeDownload:
		return "download"
	case PathTypeYank:
		return "yank"
	case PathTypeUnyank:
		return "unyank"
	default:
		return "unknown"
	}
}

// APIPath holds the parsed components of an API path.
type APIPath struct {
	Type    PathType
	Name    string
	Version string
}

// ParseAPIPath parses a /api/v1/crates/... path.
func ParseAPIPath(p string) (*APIPath, error) {
	p = strings.Trim(p, "/")
	parts := strings.Split(p, "/")
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "v1" || parts[2] != "crates" {
		return nil, fmt.Errorf("path must start with /api/v1/crates/")
	}
	parts = parts[3:]
	if len(parts) == 1 && parts[0] == "new" {
		return &APIPath{Type: PathTypePublish}, nil
	}
	if len(parts) != 3 {
		return nil, fmt.Errorf("unknown API path")
	}
	result := &APIPath{Name: parts[0], Version: parts[1]}
	if result.Name == "" || result.Version == "" {
		return nil, fmt.Errorf("empty crate name or version")
	}
	switch parts[2] {
	case "download":
		result.Type = PathTypeDownload
	case "yank":
		result.Type = PathTypeYank
	case "unyank":
		result.Type = PathTypeUnyank
	default:
		return nil, fmt.Errorf("unknown operation: %s", parts[2])
	}
	return result, nil
}

// DownloadPath returns the API path of an archive.
func DownloadPath(name, version string) string {
	return path.Join("/api/v1/crates", name, version, "download")
}

func (r *Registry) setupRoutes() {
	r.mux.HandleFunc("/api/v1/crates/", func(w http.ResponseWriter, req *http.Request) {
		result, err := ParseAPIPath(req.URL.Path)
		if err != nil {
			r.vlog("ParseAPIPath(%s) error: %v", req.URL.Path, err)
			WriteError(w, fmt.Errorf("%w: %s", publish.ErrNotFound, req.URL.Path))
			return
		}
		r.vlog("%s result: %+v", req.URL.Path, result)
		switch result.Type {
		case PathTypePublish:
			r.handlePublish(w, req)
		case PathTypeDownload:
			r.handleDownload(w, req, result.Name, result.Version)
		case PathTypeYank, PathTypeUnyank:
			r.handleYank(w, req, result)
		}
	})
	r.mux.HandleFunc("/index/", r.handleIndex)
	r.mux.Handle("/git/", http.StripPrefix("/git", r.cfg.Index.Handler()))
}

// ServeHTTP implements http.Handler.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(sw, req)
	r.trace.Logf("%s %s %d", req.Method, req.URL.Path, sw.status)
	r.vlog("%s %s took %v", req.Method, req.URL.Path, time.Since(start))
}

func (r *Registry) vlog(format string, args ...any) {
	if r.cfg.Verbose {
		r.cfg.Logf(format, args...)
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Errors: []ErrorDetail{{Detail: "method not allowed"}}})
}

// PublishResponse is the body of a successful publish.
type PublishResponse struct {
	Warnings Warnings `json:"warnings"`
	PURL     string   `json:"purl,omitempty"`
	Cksum    string   `json:"cksum,omitempty"`
}

// Warnings are the non-fatal problems found while publishing.
type Warnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

// handlePublish handles PUT /api/v1/crates/new.
func (r *Registry) handlePublish(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	limit := r.cfg.Pipeline.MaxBodySize()
	if req.ContentLength > limit {
		WriteError(w, fmt.Errorf("%w: %w: request body is %d bytes, the limit is %d", publish.ErrValidation, publish.ErrTooLarge, req.ContentLength, limit))
		return
	}
	if err := compress.DecodeRequest(req); err != nil {
		WriteError(w, fmt.Errorf("%w: %v", publish.ErrBadRequest, err))
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, limit)
	defer req.Body.Close()

	res, err := r.cfg.Pipeline.Publish(req.Context(), req.Body)
	if err != nil {
		WriteError(w, err)
		return
	}
	other := res.Warnings
	if other == nil {
		other = []string{}
	}
	writeJSON(w, http.StatusOK, PublishResponse{
		Warnings: Warnings{
			InvalidCategories: []string{},
			InvalidBadges:     []string{},
			Other:             other,
		},
		PURL:  res.PURL,
		Cksum: res.Checksum,
	})
}

// handleDownload handles GET /api/v1/crates/<name>/<version>/download.
func (r *Registry) handleDownload(w http.ResponseWriter, req *http.Request, name, version string) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	if !publish.ValidName(name) {
		WriteError(w, fmt.Errorf("%w: %s %s", archive.ErrNotFound, name, version))
		return
	}
	rc, size, err := r.cfg.Store.Open(req.Context(), name, version)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.FileName(name, version)))
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		r.vlog("download %s %s: %v", name, version, err)
	}
}

// YankResponse is the body of a successful yank or unyank.
type YankResponse struct {
	OK     bool `json:"ok"`
	Yanked bool `json:"yanked"`
}

// handleYank handles DELETE .../yank and PUT .../unyank.
func (r *Registry) handleYank(w http.ResponseWriter, req *http.Request, p *APIPath) {
	var (
		yanked bool
		err    error
	)
	switch {
	case p.Type == PathTypeYank && req.Method == http.MethodDelete:
		yanked, err = r.cfg.Yanker.Yank(req.Context(), p.Name, p.Version)
	case p.Type == PathTypeUnyank && req.Method == http.MethodPut:
		yanked, err = r.cfg.Yanker.Unyank(req.Context(), p.Name, p.Version)
	case p.Type == PathTypeYank:
		methodNotAllowed(w, http.MethodDelete)
		return
	default:
		methodNotAllowed(w, http.MethodPut)
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, YankResponse{OK: true, Yanked: yanked})
}

// handleIndex serves committed index files for the sparse protocol.
func (r *Registry) handleIndex(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	p, err := ledger.CleanPath(strings.TrimPrefix(req.URL.Path, "/index/"))
	if err != nil {
		WriteError(w, fmt.Errorf("%w: %s", index.ErrNotFound, req.URL.Path))
		return
	}
	// Cargo requests index files by the lowercased name.
	if p != "config.json" {
		if _, ok := index.NameFromPath(p); !ok {
			WriteError(w, fmt.Errorf("%w: %s", index.ErrNotFound, p))
			return
		}
	}
	b, err := r.cfg.Index.Raw(p)
	if err != nil {
		WriteError(w, err)
		return
	}

	etag := `"` + digest.FromBytes(b).Encoded() + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if p == "config.json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	if match := req.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if req.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		w.WriteHeader(http.StatusOK)
		return
	}

	if enc := compress.Negotiate(req.Header.Get("Accept-Encoding")); enc != compress.Identity {
		if cw, err := compress.NewResponseWriter(w, enc); err == nil {
			defer cw.Close()
			cw.WriteHeader(http.StatusOK)
			cw.Write(b)
			return
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
