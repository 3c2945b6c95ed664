// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package state

import (
	"os"
	"path/filepath"
	"testing"

	"crucible.build/pkg/internal/filehash"
	"crucible.build/pkg/internal/osutil"
)

func TestOpenCreatesStateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("Open did not create %s as a directory: %v", dir, err)
	}
}

func TestNewScratchDirNamesAreMonotonic(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	_, name0, err := c.NewScratchDir()
	if err != nil {
		t.Fatalf("NewScratchDir: %v", err)
	}
	_, name1, err := c.NewScratchDir()
	if err != nil {
		t.Fatalf("NewScratchDir: %v", err)
	}
	if name0 != "0" || name1 != "1" {
		t.Errorf("scratch names = %q, %q; want \"0\", \"1\"", name0, name1)
	}
}

func TestStoreCachedOutputInstallsContent(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	scratchPath := filepath.Join(dir, "payload")
	const content = "hi\n"
	if err := os.WriteFile(scratchPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	hash, err := filehash.Tree(osutil.AT_FDCWD, scratchPath)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	if err := c.StoreCachedOutput(hash, osutil.AT_FDCWD, scratchPath); err != nil {
		t.Fatalf("StoreCachedOutput: %v", err)
	}

	installedPath := filepath.Join(dir, "state", CachedOutputPath(hash))
	got, err := os.ReadFile(installedPath)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", installedPath, err)
	}
	if string(got) != content {
		t.Errorf("installed content = %q, want %q", got, content)
	}
}

func TestRemoveScratchDirDeletesIt(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	fd, name, err := c.NewScratchDir()
	if err != nil {
		t.Fatalf("NewScratchDir: %v", err)
	}
	fd.Close()

	scratchPath := filepath.Join(dir, "state", scratchesDirName, name)
	if _, err := os.Stat(scratchPath); err != nil {
		t.Fatalf("scratch directory missing before removal: %v", err)
	}

	if err := c.RemoveScratchDir(name); err != nil {
		t.Fatalf("RemoveScratchDir: %v", err)
	}
	if _, err := os.Stat(scratchPath); !os.IsNotExist(err) {
		t.Errorf("scratch directory still present after RemoveScratchDir: %v", err)
	}
}

func TestStoreCachedOutputDuplicateIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	for i := 0; i < 2; i++ {
		scratchPath := filepath.Join(dir, "payload")
		if err := os.WriteFile(scratchPath, []byte("same content\n"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		hash, err := filehash.Tree(osutil.AT_FDCWD, scratchPath)
		if err != nil {
			t.Fatalf("Tree: %v", err)
		}
		if err := c.StoreCachedOutput(hash, osutil.AT_FDCWD, scratchPath); err != nil {
			t.Fatalf("StoreCachedOutput (attempt %d): %v", i, err)
		}
	}
}
