// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress negotiates and applies HTTP content codings (zstd, gzip,
// deflate) for registry responses and decodes compressed request bodies.
//
// Index files are small, highly repetitive JSON lines and compress well, so
// the registry encodes them when the client asks. Crate archives are already
// gzip tarballs and are served as-is.
//
// Negotiation honours quality values; ties are broken in the order
// zstd > gzip > deflate:
//
//	Accept-Encoding: zstd, gzip;q=0.9
//	Accept-Encoding: *
package compress
