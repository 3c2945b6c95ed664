// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// OpenFlag mirrors the O_* flags accepted by [Openat]. Callers compose it
// the same way they would compose unix.O_* constants; CLOEXEC is added
// automatically and does not need to be included.
type OpenFlag int

// Flags accepted by [Openat], in addition to unix.O_* constants defined in
// golang.org/x/sys/unix that callers may bitwise-OR in directly.
const (
	ORdOnly    = unix.O_RDONLY
	OWrOnly    = unix.O_WRONLY
	ORdWr      = unix.O_RDWR
	OCreat     = unix.O_CREAT
	OExcl      = unix.O_EXCL
	OTrunc     = unix.O_TRUNC
	ODirectory = unix.O_DIRECTORY
	ONofollow  = unix.O_NOFOLLOW
	OPath      = unix.O_PATH
)

// Openat opens a path relative to dirfd, always adding O_CLOEXEC to flags.
// dirfd may be [AT_FDCWD] to resolve relative to the process's current
// working directory.
func Openat(dirfd int, path string, flags int, mode uint32) (*os.File, error) {
	fd, err := ignoringEINTR2(func() (int, error) {
		return unix.Openat(dirfd, path, flags|unix.O_CLOEXEC, mode)
	})
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

// AT_FDCWD resolves a relative path against the current working directory,
// for use as the dirfd argument to the *at functions in this package.
const AT_FDCWD = unix.AT_FDCWD

// Mkdirat creates a directory named path relative to dirfd with the given
// permission bits (before umask is applied by the kernel).
func Mkdirat(dirfd int, path string, mode uint32) error {
	err := ignoringEINTR(func() error {
		return unix.Mkdirat(dirfd, path, mode)
	})
	if err != nil {
		return &os.PathError{Op: "mkdirat", Path: path, Err: err}
	}
	return nil
}

// Symlinkat creates a symbolic link named newpath, relative to newdirfd,
// containing the text oldpath.
func Symlinkat(oldpath string, newdirfd int, newpath string) error {
	err := ignoringEINTR(func() error {
		return unix.Symlinkat(oldpath, newdirfd, newpath)
	})
	if err != nil {
		return &os.PathError{Op: "symlinkat", Path: newpath, Err: err}
	}
	return nil
}

// Readlinkat reads the target of the symbolic link named path, relative to
// dirfd.
func Readlinkat(dirfd int, path string) (string, error) {
	// Symlink targets on Linux are capped at PATH_MAX; grow if a target
	// ever legitimately exceeds this, but a single allocation covers
	// every realistic case without a stat round trip first.
	buf := make([]byte, 4096)
	for {
		n, err := ignoringEINTR2(func() (int, error) {
			return unix.Readlinkat(dirfd, path, buf)
		})
		if err != nil {
			return "", &os.PathError{Op: "readlinkat", Path: path, Err: err}
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

// Fstatat retrieves file status for path relative to dirfd. flags may
// include unix.AT_SYMLINK_NOFOLLOW to inspect a symlink itself rather than
// its target.
func Fstatat(dirfd int, path string, flags int) (*unix.Stat_t, error) {
	var st unix.Stat_t
	err := ignoringEINTR(func() error {
		return unix.Fstatat(dirfd, path, &st, flags)
	})
	if err != nil {
		return nil, &os.PathError{Op: "fstatat", Path: path, Err: err}
	}
	return &st, nil
}

// Renameat2 renames oldpath (relative to olddirfd) to newpath (relative to
// newdirfd) using the given flags, e.g. unix.RENAME_NOREPLACE.
func Renameat2(olddirfd int, oldpath string, newdirfd int, newpath string, flags uint) error {
	err := ignoringEINTR(func() error {
		return unix.Renameat2(olddirfd, oldpath, newdirfd, newpath, flags)
	})
	if err != nil {
		return &os.LinkError{Op: "renameat2", Old: oldpath, New: newpath, Err: err}
	}
	return nil
}

// ReadDirFD reads all entry names, excluding "." and "..", from the open
// directory dir. It consumes the directory's read position; callers that
// need to iterate a directory more than once should reopen it.
func ReadDirFD(dir *os.File) ([]string, error) {
	var names []string
	for {
		batch, err := dir.Readdirnames(256)
		names = append(names, batch...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return names, nil
			}
			return names, fmt.Errorf("readdir %s: %w", dir.Name(), err)
		}
		if len(batch) == 0 {
			return names, nil
		}
	}
}

// Pipe2 creates a pipe with both ends close-on-exec, returning the read and
// write ends.
func Pipe2(flags int) (r, w *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], flags|unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("pipe2: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "|0"), os.NewFile(uintptr(fds[1]), "|1"), nil
}

// Poll waits for the given file descriptor to become ready for the events
// in mask, or for timeout to elapse. A zero timeout (or one under a
// millisecond) means return immediately; a negative timeout, such as
// [BlockIndefinitely], blocks until the file descriptor is ready.
func Poll(fd int, mask int16, timeout time.Duration) (revents int16, err error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: mask}}
	ms := int(timeout / time.Millisecond)
	n, err := ignoringEINTR2(func() (int, error) {
		return unix.Poll(pfd, ms)
	})
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	return pfd[0].Revents, nil
}

// BlockIndefinitely is the timeout value to pass to [Poll] to block until
// the file descriptor is ready, with no deadline.
const BlockIndefinitely = -1 * time.Millisecond

// CloseFD closes a raw file descriptor that isn't otherwise wrapped in an
// *os.File, such as a pidfd returned directly by clone3.
func CloseFD(fd int) error {
	err := ignoringEINTR(func() error {
		return unix.Close(fd)
	})
	if err != nil {
		return fmt.Errorf("close fd %d: %w", fd, err)
	}
	return nil
}

// Kill sends signal sig to the process with the given pid.
func Kill(pid int, sig unix.Signal) error {
	err := ignoringEINTR(func() error {
		return unix.Kill(pid, sig)
	})
	if err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// Waitpid waits for the process with the given pid to change state,
// returning its wait status.
func Waitpid(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	_, err := ignoringEINTR2(func() (int, error) {
		return unix.Wait4(pid, &ws, 0, nil)
	})
	if err != nil {
		return 0, fmt.Errorf("waitpid %d: %w", pid, err)
	}
	return ws, nil
}

// Dup2CloseOnExec duplicates oldfd to the lowest available descriptor at or
// above 0, with the close-on-exec flag set atomically. It never calls
// dup(2), which cannot set close-on-exec atomically.
func Dup2CloseOnExec(oldfd int) (int, error) {
	newfd, err := ignoringEINTR2(func() (int, error) {
		return unix.FcntlInt(uintptr(oldfd), unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return -1, fmt.Errorf("fcntl(F_DUPFD_CLOEXEC): %w", err)
	}
	return newfd, nil
}
