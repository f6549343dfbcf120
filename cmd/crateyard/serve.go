// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yeetrun/crateyard/pkg/config"
	"github.com/yeetrun/crateyard/pkg/discovery"
	"github.com/yeetrun/crateyard/pkg/registry"
	"tailscale.com/util/must"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.String("root", "registry", "registry root directory")
	f.String("addr", "127.0.0.1:8080", "address to listen on; port 0 reuses the previous port when possible")
	f.Int64("max-archive-size", 20<<20, "largest accepted crate archive in bytes")
	f.Bool("inspect-archives", true, "report archive layout problems as publish warnings")
	f.BoolP("verbose", "v", false, "log every request")
	for key, flag := range map[string]string{
		"root":             "root",
		"addr":             "addr",
		"max_archive_size": "max-archive-size",
		"inspect_archives": "inspect-archives",
		"verbose":          "verbose",
	} {
		must.Do(viper.BindPFlag(key, f.Lookup(flag)))
	}
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Printf("registry root: %v", cfg.Root)
	reg, err := registry.Open(cfg.Root, registry.Options{
		MaxArchiveSize:  cfg.MaxArchiveSize,
		MaxMetadataSize: cfg.MaxMetadataSize,
		InspectArchives: cfg.InspectArchives,
		TraceCacheSize:  cfg.TraceCacheSize,
		Verbose:         cfg.Verbose,
		Logf:            log.Printf,
	})
	if err != nil {
		return err
	}
	l := reg.Index().Ledger()
	ln, err := discovery.Listen("tcp", cfg.Addr, l)
	if err != nil {
		return err
	}
	addr := ln.Addr().String()
	changed, err := discovery.Regenerate(l, addr)
	if err != nil {
		ln.Close()
		return err
	}
	if changed {
		log.Printf("updated config.json for %v", addr)
	}
	api, _ := discovery.APIURL(addr)
	log.Printf("serving registry on %v", api)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv := &http.Server{
		Handler:           reg,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
