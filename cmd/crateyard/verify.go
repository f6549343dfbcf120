// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yeetrun/crateyard/pkg/archive"
	"github.com/yeetrun/crateyard/pkg/index"
	"github.com/yeetrun/crateyard/pkg/ledger"
	"github.com/yeetrun/crateyard/pkg/registry"
	"golang.org/x/sync/errgroup"
	"tailscale.com/types/logger"
)

// openRoot opens the index and archive store of an existing registry root
// without regenerating anything.
func openRoot(root string) (*index.Repository, archive.Store, error) {
	indexDir, cratesDir := registry.Layout(root)
	if _, err := os.Stat(indexDir); err != nil {
		return nil, nil, fmt.Errorf("no registry at %s: %w", root, err)
	}
	l, err := ledger.OpenGit(indexDir, logger.Discard)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open index: %w", err)
	}
	store, err := archive.NewFilesystemStore(cratesDir, logger.Discard)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open crate store: %w", err)
	}
	return index.NewRepository(l, logger.Discard), store, nil
}

// rootArg returns args[0] when given, else the configured root.
func rootArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return viper.GetString("root")
}

func newVerifyCmd() *cobra.Command {
	var jobs int
	cmd := &cobra.Command{
		Use:   "verify [ROOT]",
		Short: "Check every index entry against its stored archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, store, err := openRoot(rootArg(args))
			if err != nil {
				return err
			}
			problems, checked, err := verify(cmd.Context(), idx, store, jobs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range problems {
				fmt.Fprintln(out, color.RedString("%s %s: %s", p.Name, p.Version, p.Detail))
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d of %d versions failed verification", len(problems), checked)
			}
			fmt.Fprintln(out, color.GreenString("%d versions verified", checked))
			return nil
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 8, "number of archives to check in parallel")
	return cmd
}

// Problem is an index entry whose archive is missing or does not match.
type Problem struct {
	Name    string
	Version string
	Detail  string
}

// verify recomputes the digest of every archive named by the index and
// compares it with the entry's checksum. It returns the problems found,
// sorted by name and version, and the number of entries checked.
func verify(ctx context.Context, idx *index.Repository, store archive.Store, jobs int) ([]Problem, int, error) {
	names, err := idx.Names()
	if err != nil {
		return nil, 0, err
	}
	var (
		mu       sync.Mutex
		problems []Problem
		checked  int
	)
	report := func(p Problem) {
		mu.Lock()
		defer mu.Unlock()
		problems = append(problems, p)
	}

	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for _, name := range names {
		entries, err := idx.Read(name)
		if err != nil {
			g.Wait()
			return nil, 0, err
		}
		checked += len(entries)
		for _, e := range entries {
			g.Go(func() error {
				d, err := store.DigestOf(ctx, e.Name, e.Vers)
				switch {
				case errors.Is(err, archive.ErrNotFound):
					report(Problem{e.Name, e.Vers, "archive missing"})
				case err != nil:
					return err
				case d.Encoded() != e.Cksum:
					report(Problem{e.Name, e.Vers, fmt.Sprintf("checksum mismatch: index %s, archive %s", e.Cksum, d.Encoded())})
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	slices.SortFunc(problems, func(a, b Problem) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Version, b.Version)
	})
	return problems, checked, nil
}

