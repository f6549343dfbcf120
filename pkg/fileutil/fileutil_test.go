// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileReplaces(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "nested", "config.json")

	if err := WriteFile(name, []byte("one"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(name, []byte("two"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "two" {
		t.Fatalf("contents = %q, want %q", got, "two")
	}

	entries, err := os.ReadDir(filepath.Dir(name))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want 1 (temp files left behind?)", len(entries))
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(filepath.Join(dir, "missing")) {
		t.Fatal("Exists(missing) = true")
	}
	name := filepath.Join(dir, "present")
	if err := os.WriteFile(name, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if !Exists(name) {
		t.Fatal("Exists(present) = false")
	}
}
