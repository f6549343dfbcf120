// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package publish

import (
	"encoding/json"
	"fmt"

	"github.com/yeetrun/crateyard/pkg/index"
)

// Dep is a dependency as sent by cargo publish.
type Dep struct {
	// Name is the original package name of the dependency.
	Name            string   `json:"name"`
	VersionReq      string   `json:"version_req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target"`
	Kind            string   `json:"kind"`
	Registry        *string  `json:"registry"`
	// ExplicitNameInToml is the name the dependency was renamed to, if any.
	ExplicitNameInToml *string `json:"explicit_name_in_toml"`
}

// Metadata is the JSON block of a publish request.
type Metadata struct {
	Name          string                       `json:"name"`
	Vers          string                       `json:"vers"`
	Deps          []Dep                        `json:"deps"`
	Features      map[string][]string          `json:"features"`
	Authors       []string                     `json:"authors"`
	Description   *string                      `json:"description"`
	Documentation *string                      `json:"documentation"`
	Homepage      *string                      `json:"homepage"`
	Readme        *string                      `json:"readme"`
	ReadmeFile    *string                      `json:"readme_file"`
	Keywords      []string                     `json:"keywords"`
	Categories    []string                     `json:"categories"`
	License       *string                      `json:"license"`
	LicenseFile   *string                      `json:"license_file"`
	Repository    *string                      `json:"repository"`
	Badges        map[string]map[string]string `json:"badges"`
	Links         *string                      `json:"links"`
	RustVersion   *string                      `json:"rust_version"`

	// Cksum is an optional hex SHA-256 of the archive. When present the
	// uploaded bytes must match it.
	Cksum string `json:"cksum,omitempty"`
}

// ParseMetadata decodes the metadata block of a publish request.
func ParseMetadata(b []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON metadata: %v", ErrBadRequest, err)
	}
	return &m, nil
}

// Entry returns the index entry for m with the given archive checksum.
func (m *Metadata) Entry(cksum string) index.Entry {
	e := index.Entry{
		Name:     m.Name,
		Vers:     m.Vers,
		Deps:     make([]index.Dep, 0, len(m.Deps)),
		Cksum:    cksum,
		Features: m.Features,
		Links:    m.Links,
	}
	if m.RustVersion != nil {
		e.RustVersion = *m.RustVersion
	}
	for _, d := range m.Deps {
		e.Deps = append(e.Deps, d.indexDep())
	}
	return e
}

func (d Dep) indexDep() index.Dep {
	out := index.Dep{
		Name:            d.Name,
		Req:             d.VersionReq,
		Features:        d.Features,
		Optional:        d.Optional,
		DefaultFeatures: d.DefaultFeatures,
		Target:          d.Target,
		Kind:            d.Kind,
		Registry:        d.Registry,
	}
	if out.Kind == "" {
		out.Kind = "normal"
	}
	if d.ExplicitNameInToml != nil && *d.ExplicitNameInToml != "" {
		pkg := d.Name
		out.Name = *d.ExplicitNameInToml
		out.Package = &pkg
	}
	return out
}
