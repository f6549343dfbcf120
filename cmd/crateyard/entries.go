// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yeetrun/crateyard/pkg/discovery"
	"github.com/yeetrun/crateyard/pkg/index"
	"gopkg.in/yaml.v3"
)

func newEntriesCmd() *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "entries ROOT NAME",
		Short: "List the published versions of a package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, _, err := openRoot(args[0])
			if err != nil {
				return err
			}
			entries, err := idx.Read(args[1])
			if err != nil {
				return err
			}
			if entries == nil {
				return fmt.Errorf("%w: %s", index.ErrNotFound, args[1])
			}
			if asYAML {
				return writeEntriesYAML(cmd.OutOrStdout(), entries)
			}
			writeEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print full entries as YAML")
	return cmd
}

func writeEntries(w io.Writer, entries []index.Entry) {
	for _, e := range entries {
		line := fmt.Sprintf("%s %s %s", e.Name, e.Vers, e.Cksum[:min(12, len(e.Cksum))])
		if e.Yanked {
			line = color.YellowString("%s (yanked)", line)
		}
		fmt.Fprintln(w, line)
	}
}

// entryView is the YAML rendering of an index entry.
type entryView struct {
	Name        string              `yaml:"name"`
	Version     string              `yaml:"version"`
	Checksum    string              `yaml:"cksum"`
	Yanked      bool                `yaml:"yanked"`
	RustVersion string              `yaml:"rust_version,omitempty"`
	Links       string              `yaml:"links,omitempty"`
	Deps        []string            `yaml:"deps,omitempty"`
	Features    map[string][]string `yaml:"features,omitempty"`
}

func writeEntriesYAML(w io.Writer, entries []index.Entry) error {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		v := entryView{
			Name:        e.Name,
			Version:     e.Vers,
			Checksum:    e.Cksum,
			Yanked:      e.Yanked,
			RustVersion: e.RustVersion,
			Features:    e.Features,
		}
		if e.Links != nil {
			v.Links = *e.Links
		}
		for _, d := range e.Deps {
			v.Deps = append(v.Deps, depString(d))
		}
		views = append(views, v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(views); err != nil {
		return err
	}
	return enc.Close()
}

// depString renders d the way it would be written in Cargo.toml, e.g.
// "serde ^1.0 (dev, optional)".
func depString(d index.Dep) string {
	name := d.Name
	if d.Package != nil && *d.Package != d.Name {
		name = fmt.Sprintf("%s (package %s)", d.Name, *d.Package)
	}
	var attrs []string
	if d.Kind != "" && d.Kind != "normal" {
		attrs = append(attrs, d.Kind)
	}
	if d.Optional {
		attrs = append(attrs, "optional")
	}
	if d.Target != nil {
		attrs = append(attrs, "target "+*d.Target)
	}
	s := name + " " + d.Req
	if len(attrs) > 0 {
		s += " (" + strings.Join(attrs, ", ") + ")"
	}
	return s
}

func newCargoConfigCmd() *cobra.Command {
	var (
		name string
		url  string
		git  bool
	)
	cmd := &cobra.Command{
		Use:   "cargo-config",
		Short: "Print the .cargo/config.toml snippet for using the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := discovery.CargoConfig(name, url, git)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "crateyard", "registry name used in Cargo.toml")
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080", "registry server URL")
	cmd.Flags().BoolVar(&git, "git", false, "use the git index instead of the sparse protocol")
	return cmd
}
