// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package command builds and runs a single program inside a freshly
// constructed set of Linux namespaces: a clone3-spawned child that mounts,
// chroots, and adjusts its own stdio before replacing itself via execve,
// with a CLOEXEC pipe carrying any pre-exec failure back to the parent and
// a pidfd-based poll for timeout enforcement.
//
// This is the one package in the module that reaches below
// golang.org/x/sys/unix's higher-level wrappers to raw syscall numbers:
// Go's os/exec has no hook for running mount(2) between fork and execve,
// and that is exactly what every sandboxed command needs.
package command

// Command accumulates everything needed to spawn a sandboxed child, the
// same way [os/exec.Cmd] does: exported fields set directly by the
// caller, consumed by a single terminal operation. Every field here must
// be readable
// without heap allocation once [Command.Run] begins the clone3 sequence;
// callers should finish mutating a Command before calling Run.
type Command struct {
	// Contents to write verbatim to /proc/self/setgroups, /proc/self/uid_map,
	// and /proc/self/gid_map, respectively, in the child before it mounts
	// anything. Each is written with a single write(2) call; the kernel
	// requires this (partial writes to these files are rejected).
	Setgroups []byte
	UIDMap    []byte
	GIDMap    []byte

	// InitialDirFD is a file descriptor, open in the parent, of the
	// directory the child should change to before mounting. It is not
	// used directly via fchdir: mount(2) and chroot(2) with relative
	// paths misbehave in a child that reached its working directory via
	// fchdir, for reasons undocumented upstream. Run instead resolves
	// this fd's path via readlink("/proc/self/fd/N") in the parent and
	// has the child chdir to the resolved path string.
	InitialDirFD int

	// Mounts are performed in order in the child, after the directory
	// change and before chroot.
	Mounts []MountOp

	// Chroot is the new root directory, applied after all mounts. Empty
	// means do not chroot.
	Chroot string

	// ChrootChdir is the working directory to change to after Chroot,
	// resolved inside the new root. Only meaningful if Chroot is set.
	ChrootChdir string

	// Path is the absolute path to the program to execve.
	Path string
	// Argv is the argument vector; by convention Argv[0] equals Path.
	Argv []string
	// Envp is the environment vector, as "NAME=VALUE" strings.
	Envp []string

	// CloneFlags is the bitmask of CLONE_NEW* namespace flags passed to
	// clone3. CLONE_PIDFD and the SIGCHLD exit signal are added
	// automatically by Run.
	CloneFlags uintptr

	// Stdin, Stdout, and Stderr say what to do with the corresponding
	// file descriptor in the child before execve.
	Stdin, Stdout, Stderr Stdio
}

// MountOp is one call to mount(2), in the fields mount(2) itself takes.
// Source, FilesystemType, and Data may be empty, matching the C API's
// NULL-pointer convention for those arguments.
type MountOp struct {
	Source         string
	Target         string
	FilesystemType string
	Flags          uintptr
	Data           string
}

// Stdio says how to adjust one of the child's standard file descriptors
// before execve.
type Stdio struct {
	kind  stdioKind
	oldfd int
}

type stdioKind int

const (
	stdioInherit stdioKind = iota
	stdioClose
	stdioDup2
)

// Inherit leaves the file descriptor as-is.
func Inherit() Stdio { return Stdio{kind: stdioInherit} }

// Close closes the file descriptor.
func Close() Stdio { return Stdio{kind: stdioClose} }

// Dup2 duplicates oldfd, which must be open in the parent, onto the file
// descriptor. The child starts with a copy of the parent's descriptor
// table and duplicates before execve, so oldfd may be close-on-exec; the
// duplicate is not. If oldfd already is that descriptor, it is left as is.
func Dup2(oldfd int) Stdio { return Stdio{kind: stdioDup2, oldfd: oldfd} }
