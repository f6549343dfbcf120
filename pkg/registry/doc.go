// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements the HTTP surface of a Cargo alternate
// registry.
//
// Routes:
//
//	PUT    /api/v1/crates/new                         publish
//	GET    /api/v1/crates/<name>/<version>/download   download
//	DELETE /api/v1/crates/<name>/<version>/yank       yank
//	PUT    /api/v1/crates/<name>/<version>/unyank     unyank
//	GET    /index/<path>                              sparse index
//	GET    /git/<path>                                git index (dumb HTTP)
//
// Errors are reported with a non-2xx status and a body of the form
//
//	{"errors":[{"detail":"..."}]}
//
// # Compression
//
// Sparse index responses are compressed when the client sends an
// Accept-Encoding header (zstd preferred over gzip over deflate). Publish
// request bodies may be sent with Content-Encoding zstd, gzip or deflate.
//
// Registry API: https://doc.rust-lang.org/cargo/reference/registry-web-api.html
package registry
