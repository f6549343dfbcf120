// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compress

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Encoding is an HTTP content coding.
type Encoding string

const (
	Identity Encoding = ""
	Zstd     Encoding = "zstd"
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
)

// preference is the order used to break ties between equal quality values.
var preference = []Encoding{Zstd, Gzip, Deflate}

// Negotiate picks the encoding to use for a response given the request's
// Accept-Encoding header. It returns Identity if nothing acceptable is offered.
func Negotiate(acceptEncoding string) Encoding {
	if acceptEncoding == "" {
		return Identity
	}

	q := make(map[Encoding]float64)
	wildcard := -1.0
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		quality := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				quality = f
			}
		}
		switch name = strings.ToLower(strings.TrimSpace(name)); name {
		case "*":
			wildcard = quality
		case string(Zstd), string(Gzip), string(Deflate):
			q[Encoding(name)] = quality
		}
	}
	if wildcard >= 0 {
		for _, e := range preference {
			if _, ok := q[e]; !ok {
				q[e] = wildcard
			}
		}
	}

	best, bestQ := Identity, 0.0
	for _, e := range preference {
		if q[e] > bestQ {
			best, bestQ = e, q[e]
		}
	}
	return best
}

// ResponseWriter compresses everything written to it. Content-Length is
// dropped because the encoded size is not known up front.
type ResponseWriter struct {
	http.ResponseWriter
	enc         io.WriteCloser
	encoding    Encoding
	wroteHeader bool
}

// NewResponseWriter wraps w with an encoder for e. Callers must Close the
// returned writer to flush the encoder.
func NewResponseWriter(w http.ResponseWriter, e Encoding) (*ResponseWriter, error) {
	cw := &ResponseWriter{ResponseWriter: w, encoding: e}
	var err error
	switch e {
	case Zstd:
		cw.enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	case Gzip:
		cw.enc = gzip.NewWriter(w)
	case Deflate:
		cw.enc, err = flate.NewWriter(w, flate.DefaultCompression)
	case Identity:
		cw.enc = nopCloser{w}
	default:
		return nil, fmt.Errorf("unsupported encoding %q", e)
	}
	if err != nil {
		return nil, err
	}
	return cw, nil
}

// WriteHeader sets the encoding headers before the status line goes out.
func (cw *ResponseWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.encoding != Identity {
		h := cw.ResponseWriter.Header()
		h.Set("Content-Encoding", string(cw.encoding))
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *ResponseWriter) Write(p []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.enc.Write(p)
}

// Close flushes the encoder.
func (cw *ResponseWriter) Close() error {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.enc.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// DecodeRequest replaces r.Body with a decoding reader if the request carries
// a Content-Encoding this package understands.
func DecodeRequest(r *http.Request) error {
	ce := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
	var body io.ReadCloser
	switch ce {
	case "", "identity":
		return nil
	case string(Gzip):
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return fmt.Errorf("gzip body: %w", err)
		}
		body = zr
	case string(Deflate):
		body = flate.NewReader(r.Body)
	case string(Zstd):
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return fmt.Errorf("zstd body: %w", err)
		}
		body = zr.IOReadCloser()
	default:
		return fmt.Errorf("unsupported Content-Encoding %q", ce)
	}

	orig := r.Body
	r.Body = readCloser{Reader: body, close: func() error {
		return errors.Join(body.Close(), orig.Close())
	}}
	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	r.ContentLength = -1
	return nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc readCloser) Close() error { return rc.close() }
