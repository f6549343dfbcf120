// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package discovery maintains the registry's config.json, the descriptor
// cargo reads to find the API and download endpoints, and helps clients and
// the server agree on the address to use.
package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/yeetrun/crateyard/pkg/ledger"
)

// ConfigPath is the path of the descriptor inside the index.
const ConfigPath = "config.json"

// DownloadPath is the API path template crates are downloaded from.
const DownloadPath = "/api/v1/crates/{crate}/{version}/download"

// Descriptor is the contents of config.json.
type Descriptor struct {
	DL           string `json:"dl"`
	API          string `json:"api,omitempty"`
	AuthRequired bool   `json:"auth-required,omitempty"`
}

// ForAPI returns the descriptor for a registry served at api.
func ForAPI(api string) Descriptor {
	api = strings.TrimSuffix(api, "/")
	return Descriptor{DL: api + DownloadPath, API: api}
}

// APIURL returns the base URL clients use to reach a server listening on
// addr. Wildcard addresses are replaced by the loopback address.
func APIURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
		if ip != nil && ip.To4() == nil {
			host = "::1"
		}
	}
	return (&url.URL{Scheme: "http", Host: net.JoinHostPort(host, port)}).String(), nil
}

// Encode returns the on-disk form of d.
func (d Descriptor) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Read returns the committed descriptor.
func Read(l ledger.Ledger) (Descriptor, error) {
	b, err := l.ReadAll(ConfigPath)
	if err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse %s: %w", ConfigPath, err)
	}
	return d, nil
}

// Write commits d as the descriptor if it differs from the committed one.
func Write(l ledger.Ledger, d Descriptor) (changed bool, err error) {
	b, err := d.Encode()
	if err != nil {
		return false, err
	}
	msg := "Update config.json"
	cur, err := l.ReadAll(ConfigPath)
	switch {
	case errors.Is(err, ledger.ErrNotExist):
		msg = "Add initial config.json"
	case err != nil:
		return false, err
	case bytes.Equal(cur, b):
		return false, nil
	}
	return l.Put(ConfigPath, b, msg)
}

// Regenerate writes the descriptor for a server listening on addr. It is
// idempotent.
func Regenerate(l ledger.Ledger, addr string) (changed bool, err error) {
	api, err := APIURL(addr)
	if err != nil {
		return false, err
	}
	return Write(l, ForAPI(api))
}

// PreviousAddr returns the host:port recorded in the committed descriptor.
func PreviousAddr(l ledger.Ledger) (string, error) {
	d, err := Read(l)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(d.API)
	if err != nil || u.Host == "" || u.Port() == "" {
		return "", fmt.Errorf("%s has no usable api address %q", ConfigPath, d.API)
	}
	return u.Host, nil
}

// Listen listens on addr. When addr asks for an ephemeral port, the port of
// the previous run is tried first so config.json does not change on every
// restart.
func Listen(network, addr string, l ledger.Ledger) (net.Listener, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "0" {
		if prev, err := PreviousAddr(l); err == nil {
			if _, prevPort, err := net.SplitHostPort(prev); err == nil {
				if ln, err := net.Listen(network, net.JoinHostPort(host, prevPort)); err == nil {
					return ln, nil
				}
			}
		}
	}
	return net.Listen(network, addr)
}

// CargoConfig returns the .cargo/config.toml snippet that registers the
// registry served at serverURL under name. With git set, the index is
// fetched over git instead of the sparse protocol.
func CargoConfig(name, serverURL string, git bool) ([]byte, error) {
	if name == "" {
		return nil, errors.New("registry name cannot be empty")
	}
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", serverURL)
	}
	base := strings.TrimSuffix(u.String(), "/")
	reg := map[string]string{"index": "sparse+" + base + "/index/"}
	cfg := map[string]any{
		"registries": map[string]any{name: reg},
	}
	if git {
		reg["index"] = base + "/git"
		// libgit2 only speaks the smart protocol.
		cfg["net"] = map[string]any{"git-fetch-with-cli": true}
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
