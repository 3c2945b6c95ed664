// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"go4.org/xdgdir"
)

// config holds the settings every subcommand needs: where the state
// directory lives, and the two Nix-store paths every action's sandbox
// needs regardless of its own program — the implicit-dependency symlinks
// bin/sh and usr/bin/env require both even when the action never execs
// /bin/sh directly.
//
// Resolution order, lowest to highest precedence: compiled-in defaults,
// environment variables, an optional HuJSON config file, then explicit
// command-line flags (applied by the caller after loadConfig returns).
type config struct {
	Debug         bool   `json:"debug"`
	StateDir      string `json:"stateDir"`
	BashPath      string `json:"bashPath"`
	CoreutilsPath string `json:"coreutilsPath"`
	NixStorePath  string `json:"nixStorePath"`
}

// defaultConfig returns the compiled-in defaults. BashPath and
// CoreutilsPath have no compiled-in value: they vary by host Nix store
// and are left for the environment, a config file, or a flag to supply.
func defaultConfig() *config {
	return &config{
		StateDir:     filepath.Join(xdgdir.Cache.Path(), "crucible"),
		NixStorePath: "/nix/store",
	}
}

func (c *config) mergeEnvironment() {
	if v := os.Getenv("CRUCIBLE_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("CRUCIBLE_BASH_PATH"); v != "" {
		c.BashPath = v
	}
	if v := os.Getenv("CRUCIBLE_COREUTILS_PATH"); v != "" {
		c.CoreutilsPath = v
	}
	if v := os.Getenv("CRUCIBLE_NIX_STORE_PATH"); v != "" {
		c.NixStorePath = v
	}
}

// mergeFiles reads each path in order, standardizing its HuJSON (JSON
// with comments and trailing commas) and merging it over c. A missing
// file is not an error; every other read or parse failure is.
func (c *config) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, c, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// defaultConfigFiles yields the config file paths checked by default, in
// the order they should be merged (later entries win).
func defaultConfigFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		if home, err := os.UserHomeDir(); err == nil {
			if !yield(filepath.Join(home, ".config", "crucible", "config.json")) {
				return
			}
		}
	}
}
