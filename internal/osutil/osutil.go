// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package osutil provides CLOEXEC-safe, file-descriptor-owning wrappers
// around the small set of Linux system calls the sandbox and store layers
// need directly: path resolution relative to an open directory, the
// mount/chroot/namespace primitives, the pipe-based error-propagation
// channel between a newly cloned child and its parent, and process
// signaling/waiting.
//
// Every operation that can hand back a new file descriptor does so with
// the close-on-exec flag already set atomically at creation — there is no
// window between obtaining an fd and marking it close-on-exec in which a
// concurrent fork+exec elsewhere in the process could inherit it. For the
// same reason, this package never exposes a plain dup: callers that need a
// duplicate descriptor get one through [Dup2CloseOnExec], which goes
// through fcntl(F_DUPFD_CLOEXEC) rather than dup(2).
package osutil

import (
	"fmt"
	"os"
)

const (
	rootUID = 0
	rootGID = 0
)

// IsRoot reports whether the process is running as the Unix root user.
func IsRoot() bool {
	return os.Geteuid() == rootUID
}

// MkdirPerm creates a new directory with the given permission bits (after umask).
func MkdirPerm(name string, perm os.FileMode) error {
	if err := os.Mkdir(name, perm); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return nil
}

// RemoveAll recursively removes path and everything it contains, unmounting
// any mount points found along the way first. Scratch directories and
// installed cache entries are removed with this rather than [os.RemoveAll]
// because a crashed or killed sandboxed command can leave bind mounts
// behind under a scratch tree; a plain unlink loop would fail on those.
func RemoveAll(path string) error {
	return removeAll(path)
}

// WriteFilePerm writes data to the named file, creating it if necessary,
// and ensuring it has the given permissions (after umask).
func WriteFilePerm(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %v", name, err)
	}
	err = f.Chmod(perm)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("write %s: %v", name, err)
	}
	return nil
}
