// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package publish

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/github/go-spdx/v2/spdxexp"
	"github.com/yeetrun/crateyard/pkg/index"
)

// MaxNameLen is the longest accepted package name.
const MaxNameLen = 64

var (
	nameRE    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	featureRE = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_+.\-]*$`)
)

// ValidName reports whether name is an acceptable package name.
func ValidName(name string) bool {
	return len(name) <= MaxNameLen && nameRE.MatchString(name)
}

// Validate checks the syntax of m. It returns a *ValidationError listing
// every problem found, or nil.
func Validate(m *Metadata) error {
	var reasons []string
	add := func(format string, args ...any) {
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	switch {
	case m.Name == "":
		add("package name cannot be empty")
	case len(m.Name) > MaxNameLen:
		add("package name %q is longer than %d characters", m.Name, MaxNameLen)
	case !nameRE.MatchString(m.Name):
		add("package name %q must start with an ASCII letter and contain only ASCII letters, digits, '-' or '_'", m.Name)
	}
	if _, err := semver.StrictNewVersion(m.Vers); err != nil {
		add("version %q is not a valid semantic version: %v", m.Vers, err)
	}

	for i, d := range m.Deps {
		switch {
		case d.Name == "":
			add("dependency %d has no name", i)
		case !nameRE.MatchString(d.Name):
			add("dependency name %q is invalid", d.Name)
		}
		if d.ExplicitNameInToml != nil && !nameRE.MatchString(*d.ExplicitNameInToml) {
			add("dependency %q is renamed to invalid name %q", d.Name, *d.ExplicitNameInToml)
		}
		if _, err := semver.NewConstraint(d.VersionReq); err != nil {
			add("dependency %q has invalid version requirement %q: %v", d.Name, d.VersionReq, err)
		}
		switch d.Kind {
		case "", "normal", "dev", "build":
		default:
			add("dependency %q has unknown kind %q", d.Name, d.Kind)
		}
		for _, f := range d.Features {
			if f == "" {
				add("dependency %q enables an empty feature", d.Name)
			}
		}
	}

	for name := range m.Features {
		if !featureRE.MatchString(name) {
			add("feature name %q is invalid", name)
		}
	}

	if m.License != nil && *m.License != "" {
		if ok, bad := spdxexp.ValidateLicenses([]string{normalizeLicense(*m.License)}); !ok {
			add("license %q is not a valid SPDX expression (%s)", *m.License, strings.Join(bad, ", "))
		}
	}
	if m.RustVersion != nil && *m.RustVersion != "" {
		if _, err := semver.NewVersion(*m.RustVersion); err != nil {
			add("rust_version %q is invalid", *m.RustVersion)
		}
	}
	if m.Cksum != "" {
		if b, err := hex.DecodeString(m.Cksum); err != nil || len(b) != 32 {
			add("cksum %q is not a hex encoded SHA-256 digest", m.Cksum)
		}
	}
	return errOrNil(reasons)
}

// normalizeLicense rewrites the legacy "A/B" license syntax to "A OR B".
func normalizeLicense(s string) string {
	if !strings.Contains(s, "/") {
		return s
	}
	parts := strings.Split(s, "/")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, " OR ")
}

// CheckOrdering validates m against the existing entries of its package: the
// name must match case exactly, the version must not exist yet and must be
// greater than every existing version.
func CheckOrdering(m *Metadata, existing []index.Entry) error {
	if len(existing) == 0 {
		return nil
	}
	var reasons []string
	if existing[0].Name != m.Name {
		reasons = append(reasons, fmt.Sprintf("package name %q differs from existing package %q", m.Name, existing[0].Name))
	}
	v, err := semver.StrictNewVersion(m.Vers)
	if err != nil {
		return errOrNil(append(reasons, fmt.Sprintf("version %q is not a valid semantic version", m.Vers)))
	}
	var latest *semver.Version
	for _, e := range existing {
		if e.Vers == m.Vers {
			reasons = append(reasons, fmt.Sprintf("%s %s already exists", e.Name, e.Vers))
			return errOrNil(reasons)
		}
		ev, err := semver.NewVersion(e.Vers)
		if err != nil {
			continue
		}
		if latest == nil || ev.GreaterThan(latest) {
			latest = ev
		}
	}
	if latest != nil && !v.GreaterThan(latest) {
		if v.Equal(latest) {
			reasons = append(reasons, fmt.Sprintf("version %s is equivalent to existing version %s", m.Vers, latest.Original()))
		} else {
			reasons = append(reasons, fmt.Sprintf("version %s is not greater than latest version %s", m.Vers, latest.Original()))
		}
	}
	return errOrNil(reasons)
}
