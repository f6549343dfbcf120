// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads crateyard server settings from viper.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "CRATEYARD"

// Config holds the server settings. Values are populated from a
// crateyard.toml or crateyard.yaml file, CRATEYARD_* env vars and CLI flags.
type Config struct {
	Root            string `mapstructure:"root"`
	Addr            string `mapstructure:"addr"`
	MaxArchiveSize  int64  `mapstructure:"max_archive_size"`
	MaxMetadataSize int64  `mapstructure:"max_metadata_size"`
	TraceCacheSize  int    `mapstructure:"trace_cache_size"`
	Verbose         bool   `mapstructure:"verbose"`
	InspectArchives bool   `mapstructure:"inspect_archives"`
}

// SetDefaults registers the built-in defaults with viper.
func SetDefaults() {
	viper.SetDefault("root", "registry")
	viper.SetDefault("addr", "127.0.0.1:8080")
	viper.SetDefault("max_archive_size", 20<<20)
	viper.SetDefault("max_metadata_size", 1<<20)
	viper.SetDefault("trace_cache_size", 64)
	viper.SetDefault("verbose", false)
	viper.SetDefault("inspect_archives", true)
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	SetDefaults()
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Root == "" {
		errs = append(errs, errors.New("root must not be empty"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.MaxArchiveSize <= 0 {
		errs = append(errs, fmt.Errorf("max_archive_size must be positive, got %d", c.MaxArchiveSize))
	}
	if c.MaxMetadataSize <= 0 {
		errs = append(errs, fmt.Errorf("max_metadata_size must be positive, got %d", c.MaxMetadataSize))
	}
	if c.TraceCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("trace_cache_size must be positive, got %d", c.TraceCacheSize))
	}
	return errors.Join(errs...)
}

// Init points viper at cfgFile, or at crateyard.{toml,yaml} in the working
// directory when cfgFile is empty, and enables CRATEYARD_* env overrides.
// A missing default config file is not an error.
func Init(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("crateyard")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	var nf viper.ConfigFileNotFoundError
	if err != nil && cfgFile == "" && errors.As(err, &nf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
