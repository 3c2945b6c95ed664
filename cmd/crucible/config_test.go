// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	got := defaultConfig()
	if got.StateDir == "" {
		t.Errorf("defaultConfig().StateDir is empty")
	}
	if got.NixStorePath != "/nix/store" {
		t.Errorf("defaultConfig().NixStorePath = %q, want /nix/store", got.NixStorePath)
	}
}

func TestConfigMergeEnvironment(t *testing.T) {
	t.Setenv("CRUCIBLE_STATE_DIR", "/custom/state")
	t.Setenv("CRUCIBLE_BASH_PATH", "/nix/store/abc-bash")
	t.Setenv("CRUCIBLE_COREUTILS_PATH", "/nix/store/def-coreutils")

	c := defaultConfig()
	c.mergeEnvironment()

	if c.StateDir != "/custom/state" {
		t.Errorf("StateDir = %q, want /custom/state", c.StateDir)
	}
	if c.BashPath != "/nix/store/abc-bash" {
		t.Errorf("BashPath = %q, want /nix/store/abc-bash", c.BashPath)
	}
	if c.CoreutilsPath != "/nix/store/def-coreutils" {
		t.Errorf("CoreutilsPath = %q, want /nix/store/def-coreutils", c.CoreutilsPath)
	}
}

func TestConfigMergeFilesLaterWins(t *testing.T) {
	dir := t.TempDir()
	var paths [2]string
	paths[0] = filepath.Join(dir, "config1.jwcc")
	if err := os.WriteFile(paths[0], []byte(`{"stateDir": "/foo", "debug": true}`+"\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	paths[1] = filepath.Join(dir, "config2.jwcc")
	if err := os.WriteFile(paths[1], []byte(`{"stateDir": "/bar"}`+"\n"), 0o666); err != nil {
		t.Fatal(err)
	}

	c := new(config)
	err := c.mergeFiles(func(yield func(string) bool) {
		for _, path := range paths {
			if !yield(path) {
				return
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.StateDir != "/bar" {
		t.Errorf("StateDir = %q, want /bar (from the later file)", c.StateDir)
	}
	if !c.Debug {
		t.Errorf("Debug = false, want true (from the first file)")
	}
}

func TestConfigMergeFilesMissingIsNotError(t *testing.T) {
	c := new(config)
	err := c.mergeFiles(func(yield func(string) bool) {
		yield(filepath.Join(t.TempDir(), "does-not-exist.jwcc"))
	})
	if err != nil {
		t.Errorf("mergeFiles with a missing file = %v, want nil", err)
	}
}
