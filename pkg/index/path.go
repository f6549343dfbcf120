// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"path"
	"strings"
)

// Dir returns the sharded directory holding the index file of name:
//
//	a     -> 1
//	ab    -> 2
//	abc   -> 3/a
//	abcd  -> ab/cd
//
// Names are lowercased. It reports false for a name that cannot have an
// index file: an empty one or one containing a path separator.
func Dir(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	name = strings.ToLower(name)
	switch len(name) {
	case 1:
		return "1", true
	case 2:
		return "2", true
	case 3:
		return path.Join("3", name[:1]), true
	default:
		return path.Join(name[:2], name[2:4]), true
	}
}

// Path returns the slash-separated path of the index file of name, or
// false under the same conditions as Dir.
func Path(name string) (string, bool) {
	dir, ok := Dir(name)
	if !ok {
		return "", false
	}
	return path.Join(dir, strings.ToLower(name)), true
}

// NameFromPath returns the package name an index file path belongs to, or
// false if p is not a well-formed index file path.
func NameFromPath(p string) (string, bool) {
	dir, name := path.Split(p)
	if name == "" || name != strings.ToLower(name) {
		return "", false
	}
	want, ok := Path(name)
	if !ok || want != p {
		return "", false
	}
	if d, _ := Dir(name); strings.TrimSuffix(dir, "/") != d {
		return "", false
	}
	return name, true
}
