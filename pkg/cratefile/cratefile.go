// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cratefile reads .crate archives, which are gzip-compressed
// tarballs whose entries live under a "<name>-<version>/" directory.
package cratefile

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/gzip"
)

// maxManifestSize bounds how much of Cargo.toml is read.
const maxManifestSize = 1 << 20

// Walk calls f for each entry of the gzip-compressed tarball read from r,
// in archive order. The reader passed to f yields the entry's contents and
// is only valid until f returns. Walk stops at the first error from f.
func Walk(r io.Reader, f func(*tar.Header, io.Reader) error) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(h, tr); err != nil {
			return err
		}
	}
}

// Manifest is the subset of Cargo.toml checked against publish metadata.
type Manifest struct {
	Package struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"package"`
}

// Inspect checks that data looks like the archive cargo produces for name and
// version and returns a human readable warning for every deviation. A nil
// result means no problems were found.
func Inspect(name, version string, data []byte) []string {
	prefix := name + "-" + version + "/"
	var (
		warnings  []string
		outside   int
		manifest  []byte
		sawHeader bool
	)
	err := Walk(bytes.NewReader(data), func(h *tar.Header, r io.Reader) error {
		sawHeader = true
		clean := path.Clean(h.Name)
		if h.Typeflag == tar.TypeDir {
			clean += "/"
		}
		switch {
		case path.IsAbs(h.Name) || strings.HasPrefix(clean, "../"):
			warnings = append(warnings, fmt.Sprintf("archive entry %q escapes the package directory", h.Name))
		case !strings.HasPrefix(clean, prefix) && clean != prefix:
			outside++
		}
		if h.Typeflag == tar.TypeLink {
			warnings = append(warnings, fmt.Sprintf("archive entry %q is a hard link", h.Name))
		}
		if clean == prefix+"Cargo.toml" && h.Typeflag == tar.TypeReg {
			b, err := io.ReadAll(io.LimitReader(r, maxManifestSize+1))
			if err != nil {
				return err
			}
			manifest = b
		}
		return nil
	})
	switch {
	case err != nil && !sawHeader:
		return []string{"archive is not a gzip-compressed tarball"}
	case err != nil:
		warnings = append(warnings, fmt.Sprintf("archive is truncated or malformed: %v", err))
	}
	if outside > 0 {
		warnings = append(warnings, fmt.Sprintf("%d archive entries are outside %s", outside, prefix))
	}
	switch {
	case manifest == nil:
		warnings = append(warnings, fmt.Sprintf("archive has no %sCargo.toml", prefix))
	case len(manifest) > maxManifestSize:
		warnings = append(warnings, "Cargo.toml is too large to inspect")
	default:
		warnings = append(warnings, checkManifest(name, version, manifest)...)
	}
	return warnings
}

func checkManifest(name, version string, b []byte) []string {
	var m Manifest
	if _, err := toml.Decode(string(b), &m); err != nil {
		return []string{fmt.Sprintf("Cargo.toml does not parse: %v", err)}
	}
	var warnings []string
	if m.Package.Name != name {
		warnings = append(warnings, fmt.Sprintf("Cargo.toml names package %q, published as %q", m.Package.Name, name))
	}
	if m.Package.Version != version {
		warnings = append(warnings, fmt.Sprintf("Cargo.toml has version %q, published as %q", m.Package.Version, version))
	}
	return warnings
}
