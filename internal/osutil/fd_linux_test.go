// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMkdiratSymlinkatReadlinkat(t *testing.T) {
	dir := t.TempDir()
	top, err := Openat(AT_FDCWD, dir, ODirectory|ORdOnly, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer top.Close()

	if err := Mkdirat(int(top.Fd()), "sub", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Symlinkat("sub", int(top.Fd()), "link"); err != nil {
		t.Fatal(err)
	}
	target, err := Readlinkat(int(top.Fd()), "link")
	if err != nil {
		t.Fatal(err)
	}
	if target != "sub" {
		t.Errorf("Readlinkat(link) = %q; want %q", target, "sub")
	}

	st, err := os.Lstat(filepath.Join(dir, "sub"))
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsDir() {
		t.Error("sub is not a directory")
	}
}

func TestFstatat(t *testing.T) {
	dir := t.TempDir()
	top, err := Openat(AT_FDCWD, dir, ODirectory|ORdOnly, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer top.Close()

	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Fstatat(int(top.Fd()), "f", 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != int64(len("hello")) {
		t.Errorf("size = %d; want %d", st.Size, len("hello"))
	}
}

func TestRenameat2NoReplaceTreatsEEXISTAsDistinct(t *testing.T) {
	dir := t.TempDir()
	top, err := Openat(AT_FDCWD, dir, ODirectory|ORdOnly, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer top.Close()

	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b"), []byte("B"), 0o644); err != nil {
		t.Fatal(err)
	}

	fd := int(top.Fd())
	if err := Renameat2(fd, "a", fd, "c", unix.RENAME_NOREPLACE); err != nil {
		t.Fatal(err)
	}
	err = Renameat2(fd, "b", fd, "c", unix.RENAME_NOREPLACE)
	if !errors.Is(err, os.ErrExist) {
		t.Errorf("Renameat2 over existing target: err = %v; want something satisfying errors.Is(err, os.ErrExist)", err)
	}
}

func TestRemoveAll(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "f"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RemoveAll(filepath.Join(dir, "a")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(dir, "a")); !os.IsNotExist(err) {
		t.Errorf("Lstat after RemoveAll: err = %v; want IsNotExist", err)
	}
}
