// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package discovery

import (
	"net"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/yeetrun/crateyard/pkg/ledger"
)

func TestAPIURL(t *testing.T) {
	tests := []struct {
		addr, want string
	}{
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:1234", "http://127.0.0.1:1234"},
		{":1234", "http://127.0.0.1:1234"},
		{"[::]:1234", "http://[::1]:1234"},
		{"registry.local:80", "http://registry.local:80"},
	}
	for _, tt := range tests {
		got, err := APIURL(tt.addr)
		if err != nil {
			t.Fatalf("APIURL(%q): %v", tt.addr, err)
		}
		if got != tt.want {
			t.Errorf("APIURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
	if _, err := APIURL("nonsense"); err == nil {
		t.Error("APIURL(nonsense) succeeded")
	}
}

func TestRegenerate(t *testing.T) {
	m := ledger.NewMemory()
	changed, err := Regenerate(m, "127.0.0.1:9999")
	if err != nil || !changed {
		t.Fatalf("Regenerate = %v, %v; want true, nil", changed, err)
	}
	changed, err = Regenerate(m, "127.0.0.1:9999")
	if err != nil || changed {
		t.Fatalf("repeated Regenerate = %v, %v; want false, nil", changed, err)
	}
	if _, err := Regenerate(m, "127.0.0.1:7777"); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if diff := cmp.Diff([]string{"Add initial config.json", "Update config.json"}, m.Commits()); diff != "" {
		t.Fatalf("commits (-want +got):\n%s", diff)
	}

	d, err := Read(m)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := Descriptor{
		DL:  "http://127.0.0.1:7777/api/v1/crates/{crate}/{version}/download",
		API: "http://127.0.0.1:7777",
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("descriptor (-want +got):\n%s", diff)
	}
	raw, _ := m.ReadAll(ConfigPath)
	if !strings.Contains(string(raw), "\n  \"dl\": ") {
		t.Fatalf("descriptor is not indented:\n%s", raw)
	}

	prev, err := PreviousAddr(m)
	if err != nil {
		t.Fatalf("PreviousAddr: %v", err)
	}
	if prev != "127.0.0.1:7777" {
		t.Fatalf("PreviousAddr = %q", prev)
	}
}

func TestListenReusesPort(t *testing.T) {
	m := ledger.NewMemory()
	ln, err := Listen("tcp", "127.0.0.1:0", m)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	if _, err := Regenerate(m, addr); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	ln.Close()

	ln2, err := Listen("tcp", "127.0.0.1:0", m)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln2.Close()
	if ln2.Addr().String() != addr {
		t.Logf("previous port %s not reused (now %s)", addr, ln2.Addr())
	}

	// An occupied previous port falls back to an ephemeral one.
	ln3, err := Listen("tcp", "127.0.0.1:0", m)
	if err != nil {
		t.Fatalf("Listen with occupied port: %v", err)
	}
	defer ln3.Close()
	_, p, _ := net.SplitHostPort(ln3.Addr().String())
	if p == "0" {
		t.Fatalf("bad fallback address %s", ln3.Addr())
	}
}

func TestCargoConfig(t *testing.T) {
	b, err := CargoConfig("mine", "http://127.0.0.1:8080/", false)
	if err != nil {
		t.Fatalf("CargoConfig: %v", err)
	}
	var got struct {
		Registries map[string]struct {
			Index string `toml:"index"`
		} `toml:"registries"`
		Net struct {
			GitFetchWithCLI bool `toml:"git-fetch-with-cli"`
		} `toml:"net"`
	}
	if _, err := toml.Decode(string(b), &got); err != nil {
		t.Fatalf("Decode: %v\n%s", err, b)
	}
	if idx := got.Registries["mine"].Index; idx != "sparse+http://127.0.0.1:8080/index/" {
		t.Fatalf("sparse index = %q", idx)
	}

	b, err = CargoConfig("mine", "http://127.0.0.1:8080", true)
	if err != nil {
		t.Fatalf("CargoConfig: %v", err)
	}
	got.Registries = nil
	if _, err := toml.Decode(string(b), &got); err != nil {
		t.Fatalf("Decode: %v\n%s", err, b)
	}
	if idx := got.Registries["mine"].Index; idx != "http://127.0.0.1:8080/git" {
		t.Fatalf("git index = %q", idx)
	}
	if !got.Net.GitFetchWithCLI {
		t.Fatal("git config does not enable git-fetch-with-cli")
	}

	if _, err := CargoConfig("", "http://x", false); err == nil {
		t.Fatal("CargoConfig accepted an empty name")
	}
}
