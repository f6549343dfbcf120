// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yeetrun/crateyard/pkg/archive"
	"github.com/yeetrun/crateyard/pkg/fileutil"
	"github.com/yeetrun/crateyard/pkg/publish"
	"github.com/yeetrun/crateyard/pkg/regclient"
)

// addServerFlags adds the flags shared by the client commands and returns a
// constructor for the configured client.
func addServerFlags(cmd *cobra.Command) func() (*regclient.Client, error) {
	server := cmd.Flags().String("server", "http://127.0.0.1:8080", "registry server URL")
	token := cmd.Flags().String("token", os.Getenv("CRATEYARD_TOKEN"), "token sent as the Authorization header")
	return func() (*regclient.Client, error) {
		return regclient.New(*server, regclient.WithToken(*token))
	}
}

func newPublishCmd() *cobra.Command {
	var (
		name     string
		version  string
		metaFile string
	)
	cmd := &cobra.Command{
		Use:   "publish CRATE",
		Short: "Upload a crate archive",
		Long: "Upload a crate archive. Metadata is read from --metadata (cargo's publish JSON) " +
			"and --name/--version override its fields.",
		Args: cobra.ExactArgs(1),
	}
	newClient := addServerFlags(cmd)
	cmd.Flags().StringVar(&name, "name", "", "package name")
	cmd.Flags().StringVar(&version, "version", "", "package version")
	cmd.Flags().StringVar(&metaFile, "metadata", "", "file with publish metadata JSON")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		crate, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		m := &publish.Metadata{}
		if metaFile != "" {
			b, err := os.ReadFile(metaFile)
			if err != nil {
				return err
			}
			if m, err = publish.ParseMetadata(b); err != nil {
				return err
			}
		}
		if name != "" {
			m.Name = name
		}
		if version != "" {
			m.Vers = version
		}
		if m.Name == "" || m.Vers == "" {
			return fmt.Errorf("package name and version are required")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Publish(cmd.Context(), *m, crate)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, w := range res.Warnings.Other {
			fmt.Fprintln(out, color.YellowString("warning: %s", w))
		}
		fmt.Fprintln(out, color.GreenString("published %s", res.PURL))
		return nil
	}
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "download NAME VERSION",
		Short: "Fetch a crate archive",
		Args:  cobra.ExactArgs(2),
	}
	newClient := addServerFlags(cmd)
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "directory to write the archive to")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.Download(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		p := filepath.Join(outDir, archive.FileName(args[0], args[1]))
		if err := fileutil.WriteFile(p, b, 0644); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("wrote %s (%d bytes)", p, len(b)))
		return nil
	}
	return cmd
}

func newYankCmd(yank bool) *cobra.Command {
	use, short := "yank", "Mark a version as yanked"
	if !yank {
		use, short = "unyank", "Clear the yanked flag of a version"
	}
	cmd := &cobra.Command{
		Use:   use + " NAME VERSION",
		Short: short,
		Args:  cobra.ExactArgs(2),
	}
	newClient := addServerFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		op := c.Yank
		if !yank {
			op = c.Unyank
		}
		yanked, err := op(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		state := "available"
		if yanked {
			state = "yanked"
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("%s %s is %s", args[0], args[1], state))
		return nil
	}
	return cmd
}
