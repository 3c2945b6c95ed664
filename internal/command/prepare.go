// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package command

import (
	"fmt"
	"syscall"

	"crucible.build/pkg/internal/osutil"
)

// preparedMount is a [MountOp] with every string pre-converted to a
// NUL-terminated byte pointer, so the child can call mount(2) without
// allocating.
type preparedMount struct {
	source, target, fstype, data *byte
	flags                        uintptr
}

// prepared holds everything [spawn] needs in a form the child can consume
// without allocating: NUL-terminated byte pointers and argv/envp pointer
// arrays built once, in the parent, before clone3 runs, since converting
// Go strings to C-style pointers after the clone would require allocation
// in a context where the child must stay async-signal-safe.
type prepared struct {
	setgroups, uidMap, gidMap []byte

	fchdirPath *byte

	mounts []preparedMount

	chroot      *byte
	chrootChdir *byte

	path *byte
	argv []*byte
	envp []*byte
}

func prepareBytes(s string) (*byte, error) {
	p, err := syscall.BytePtrFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%q contains a NUL byte", s)
	}
	return p, nil
}

// optionalBytes returns nil for an empty string, matching mount(2)'s
// NULL-pointer convention for absent source/fstype/data arguments.
func optionalBytes(s string) (*byte, error) {
	if s == "" {
		return nil, nil
	}
	return prepareBytes(s)
}

func (c *Command) prepare() (*prepared, error) {
	// mount(2) and chroot(2) with relative paths misbehave in a child that
	// reached its working directory via fchdir; dereferencing the magic
	// /proc/self/fd symlink to a real path and chdir-ing to that string
	// instead sidesteps the issue. This must happen here, in the parent,
	// since /proc/self below refers to whichever process reads it.
	fchdirPathString, err := osutil.Readlinkat(osutil.AT_FDCWD, procSelfFD(c.InitialDirFD))
	if err != nil {
		return nil, fmt.Errorf("resolve initial directory: %w", err)
	}

	p := &prepared{
		setgroups: c.Setgroups,
		uidMap:    c.UIDMap,
		gidMap:    c.GIDMap,
	}

	p.fchdirPath, err = prepareBytes(fchdirPathString)
	if err != nil {
		return nil, fmt.Errorf("initial directory path: %w", err)
	}

	p.mounts = make([]preparedMount, len(c.Mounts))
	for i, m := range c.Mounts {
		pm := preparedMount{flags: m.Flags}
		if pm.source, err = optionalBytes(m.Source); err != nil {
			return nil, fmt.Errorf("mount %d source: %w", i, err)
		}
		if pm.target, err = prepareBytes(m.Target); err != nil {
			return nil, fmt.Errorf("mount %d target: %w", i, err)
		}
		if pm.fstype, err = optionalBytes(m.FilesystemType); err != nil {
			return nil, fmt.Errorf("mount %d filesystem type: %w", i, err)
		}
		if pm.data, err = optionalBytes(m.Data); err != nil {
			return nil, fmt.Errorf("mount %d data: %w", i, err)
		}
		p.mounts[i] = pm
	}

	if c.Chroot != "" {
		if p.chroot, err = prepareBytes(c.Chroot); err != nil {
			return nil, fmt.Errorf("chroot: %w", err)
		}
	}
	if c.ChrootChdir != "" {
		if p.chrootChdir, err = prepareBytes(c.ChrootChdir); err != nil {
			return nil, fmt.Errorf("chroot chdir: %w", err)
		}
	}

	if p.path, err = prepareBytes(c.Path); err != nil {
		return nil, fmt.Errorf("program path: %w", err)
	}
	if p.argv, err = syscall.SlicePtrFromStrings(c.Argv); err != nil {
		return nil, fmt.Errorf("argv: %w", err)
	}
	if p.envp, err = syscall.SlicePtrFromStrings(c.Envp); err != nil {
		return nil, fmt.Errorf("envp: %w", err)
	}

	return p, nil
}

func procSelfFD(fd int) string {
	return "/proc/self/fd/" + itoa(fd)
}

// itoa avoids pulling in strconv for a single non-negative small integer;
// fd numbers are always small and non-negative.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
