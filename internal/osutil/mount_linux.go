// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mount flags re-exported for callers that only import this package rather
// than golang.org/x/sys/unix directly.
const (
	MSBind       = unix.MS_BIND
	MSRec        = unix.MS_REC
	MSPrivate    = unix.MS_PRIVATE
	MSRdonly     = unix.MS_RDONLY
	MSRemount    = unix.MS_REMOUNT
	MSNodev      = unix.MS_NODEV
	MSNoexec     = unix.MS_NOEXEC
	MSNosuid     = unix.MS_NOSUID
)

// Mount is a thin wrapper over mount(2). Any of source, fstype, or data may
// be empty, matching the C API's NULL-pointer convention.
func Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mount %q -> %q (fstype=%q flags=%#x): %w", source, target, fstype, flags, err)
	}
	return nil
}

// Chdir changes the calling process's current working directory to path.
func Chdir(path string) error {
	if err := unix.Chdir(path); err != nil {
		return fmt.Errorf("chdir %s: %w", path, err)
	}
	return nil
}

// Chroot changes the calling process's root directory to path. Callers
// must chdir into the desired working directory afterward, since chroot
// does not itself change the current directory.
func Chroot(path string) error {
	if err := unix.Chroot(path); err != nil {
		return fmt.Errorf("chroot %s: %w", path, err)
	}
	return nil
}

// Unshare disassociates parts of the calling process's execution context,
// as selected by flags (e.g. unix.CLONE_NEWNS).
func Unshare(flags int) error {
	if err := unix.Unshare(flags); err != nil {
		return fmt.Errorf("unshare(%#x): %w", flags, err)
	}
	return nil
}
