// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package config loads DepotHaul configuration from a YAML file and
// command-line flags, with flags taking precedence over the file.
package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/depothaul/depothaul/internal/xdg"
)

// Default values applied before any file or flag is read.
const (
	DefaultTargetOS     = "linux"
	DefaultLogFormat    = "json"
	DefaultServeAddr    = "127.0.0.1:8480"
	DefaultPlatformAddr = "platform.depothaul.net:27017"
	DefaultWorkers      = 1
)

// Download holds download-engine tunables.
type Download struct {
	// Workers bounds file-level parallelism. 1 keeps the sequential
	// reference behavior.
	Workers int `koanf:"workers"`
	// SkipPatterns are glob patterns for manifest paths a server
	// install does not need (locale packs, audio banks, redists).
	SkipPatterns []string `koanf:"skip_patterns"`
}

// Serve holds control-plane settings.
type Serve struct {
	Addr string `koanf:"addr"`
}

// Config is the full DepotHaul configuration.
type Config struct {
	AppID        uint32   `koanf:"app_id"`
	TargetOS     string   `koanf:"target_os"`
	InstallDir   string   `koanf:"install_dir"`
	StateDir     string   `koanf:"state_dir"`
	PlatformAddr string   `koanf:"platform_addr"`
	LogFormat    string   `koanf:"log_format"`
	Download     Download `koanf:"download"`
	Serve        Serve    `koanf:"serve"`
}

// defaultSkipPatterns cover content a dedicated server never reads.
var defaultSkipPatterns = []string{
	"**/locale/**",
	"**/*.loc",
	"sounds/**",
	"music/**",
	"**/*_textures_high.pak",
}

// New returns a Config populated with defaults.
func New() Config {
	return Config{
		TargetOS:     DefaultTargetOS,
		StateDir:     xdg.StateDir(),
		PlatformAddr: DefaultPlatformAddr,
		LogFormat:    DefaultLogFormat,
		Download: Download{
			Workers:      DefaultWorkers,
			SkipPatterns: append([]string(nil), defaultSkipPatterns...),
		},
		Serve: Serve{Addr: DefaultServeAddr},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty and the default file does not exist),
// then flag overrides. The flag set may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := New()
	k := koanf.New(".")

	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, oops.Code("CONFIG_FILE_INVALID").
				With("path", path).
				Wrap(err)
		}
	} else if explicit {
		return cfg, oops.Code("CONFIG_FILE_MISSING").
			With("path", path).
			Wrap(err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return cfg, oops.Code("CONFIG_FLAGS_INVALID").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, oops.Code("CONFIG_UNMARSHAL_FAILED").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants that hold for every command.
func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").
			With("log_format", c.LogFormat).
			Errorf("log_format must be 'json' or 'text'")
	}
	if c.Download.Workers < 1 {
		return oops.Code("CONFIG_INVALID").
			With("workers", c.Download.Workers).
			Errorf("download.workers must be at least 1")
	}
	return nil
}

// ValidateForDownload checks the fields the download path requires.
func (c *Config) ValidateForDownload() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.AppID == 0 {
		return oops.Code("CONFIG_INVALID").Errorf("app_id is required")
	}
	if c.InstallDir == "" {
		return oops.Code("CONFIG_INVALID").Errorf("install_dir is required")
	}
	return nil
}

// DefaultConfigPath returns the canonical config file location.
func DefaultConfigPath() string {
	return fmt.Sprintf("%s/config.yaml", xdg.ConfigDir())
}
