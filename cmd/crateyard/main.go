// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command crateyard runs and manages a self-hosted Cargo registry.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yeetrun/crateyard/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:           "crateyard",
	Short:         "Self-hosted Cargo registry",
	Long:          "crateyard serves a Cargo registry backed by a git index and a directory of crate archives.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("config", "", "config file (default crateyard.toml or crateyard.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newVerifyCmd(),
		newEntriesCmd(),
		newCargoConfigCmd(),
		newPublishCmd(),
		newDownloadCmd(),
		newYankCmd(true),
		newYankCmd(false),
		newVersionCmd(),
	)
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if err := config.Init(cfgFile); err != nil {
		log.Fatal(err)
	}
	config.SetDefaults()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
