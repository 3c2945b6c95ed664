// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package command

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/internal/usererror"
)

// allNamespaces is the full namespace set a sandboxed command runs in.
const allNamespaces = unix.CLONE_NEWCGROUP | unix.CLONE_NEWIPC | unix.CLONE_NEWNET |
	unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUSER | unix.CLONE_NEWUTS

// baseCommand builds a Command with the namespace, uid/gid mapping, and
// working-directory plumbing every test below needs, leaving Path/Argv/
// Stdin/Stdout/Stderr for the caller to fill in.
func baseCommand(t *testing.T) Command {
	t.Helper()
	root, err := osutil.Openat(osutil.AT_FDCWD, "/", osutil.ODirectory|osutil.ORdOnly, 0)
	if err != nil {
		t.Fatalf("open /: %v", err)
	}
	t.Cleanup(func() { root.Close() })

	uid := os.Getuid()
	gid := os.Getgid()
	return Command{
		Setgroups:    []byte("deny\n"),
		UIDMap:       []byte(fmt.Sprintf("0 %d 1\n", uid)),
		GIDMap:       []byte(fmt.Sprintf("0 %d 1\n", gid)),
		InitialDirFD: int(root.Fd()),
		CloneFlags:   allNamespaces,
		Stdin:        Close(),
		Stdout:       Inherit(),
		Stderr:       Inherit(),
	}
}

// skipUnlessUserNamespacesWork probes CLONE_NEWUSER the same way the
// command under test will use it, skipping rather than failing on kernels
// or container policies (e.g. a seccomp-filtered CI sandbox) that disable
// unprivileged user namespaces entirely.
func skipUnlessUserNamespacesWork(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		return
	}
	var errno unix.Errno
	if errors.As(err, &errno) && (errno == unix.EPERM || errno == unix.EINVAL || errno == unix.ENOSPC) {
		t.Skipf("user namespaces unavailable in this environment: %v", err)
	}
	var setupErr usererror.CommandSetupError
	if errors.As(err, &setupErr) {
		if errors.As(setupErr.Cause, &errno) && (errno == unix.EPERM || errno == unix.EINVAL || errno == unix.ENOSPC) {
			t.Skipf("user namespaces unavailable in this environment: %v", err)
		}
	}
}

func TestRunSuccess(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skipf("no true(1) on PATH: %v", err)
	}
	c := baseCommand(t)
	c.Path = truePath
	c.Argv = []string{truePath}
	c.Envp = []string{}

	err = c.Run(5 * time.Second)
	skipUnlessUserNamespacesWork(t, err)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	falsePath, err := exec.LookPath("false")
	if err != nil {
		t.Skipf("no false(1) on PATH: %v", err)
	}
	c := baseCommand(t)
	c.Path = falsePath
	c.Argv = []string{falsePath}
	c.Envp = []string{}

	err = c.Run(5 * time.Second)
	skipUnlessUserNamespacesWork(t, err)
	if err == nil {
		t.Fatal("Run: want error for non-zero exit, got nil")
	}
	var termErr usererror.TerminationError
	if !errors.As(err, &termErr) {
		t.Fatalf("Run: got %v, want a usererror.TerminationError", err)
	}
	if !termErr.WaitStatus.Exited() || termErr.WaitStatus.ExitStatus() != 1 {
		t.Errorf("WaitStatus = %v, want exited with status 1", termErr.WaitStatus)
	}
}

func TestRunTimeout(t *testing.T) {
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("no sleep(1) on PATH: %v", err)
	}
	c := baseCommand(t)
	c.Path = sleepPath
	c.Argv = []string{sleepPath, "30"}
	c.Envp = []string{}

	start := time.Now()
	err = c.Run(100 * time.Millisecond)
	skipUnlessUserNamespacesWork(t, err)
	elapsed := time.Since(start)

	var timeoutErr usererror.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Run: got %v, want a usererror.TimeoutError", err)
	}
	if elapsed > 10*time.Second {
		t.Errorf("Run took %v after a 100ms timeout; child was not killed promptly", elapsed)
	}
}

func TestStdioConstructors(t *testing.T) {
	if got := Inherit(); got.kind != stdioInherit {
		t.Errorf("Inherit().kind = %v, want stdioInherit", got.kind)
	}
	if got := Close(); got.kind != stdioClose {
		t.Errorf("Close().kind = %v, want stdioClose", got.kind)
	}
	if got := Dup2(3); got.kind != stdioDup2 || got.oldfd != 3 {
		t.Errorf("Dup2(3) = %+v, want {stdioDup2 3}", got)
	}
}
