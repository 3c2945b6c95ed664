// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package command

import (
	"golang.org/x/sys/unix"

	"crucible.build/pkg/internal/osutil"
)

const sigkill = unix.SIGKILL

// killGuard kills and reaps a child process unless disarmed first. It is
// armed the moment spawn knows a pid exists and stays armed through every
// return path until disarmed: spawn disarms its guard once execve has
// succeeded and hands the pid to [Command.Run], which disarms its own only
// after waitpid has reaped the child, whatever its exit status. This is
// rendered as an explicit disarm-then-defer pair since Go has no
// unconditional run-on-scope-exit mechanism other than defer.
//
// Sending SIGKILL to a process outside a sandbox would be alarming; inside
// one, it is the only way to guarantee [Command.Run] never returns with
// the child still alive.
type killGuard struct {
	pid      int
	disarmed bool
}

func newKillGuard(pid int) *killGuard {
	return &killGuard{pid: pid}
}

func (g *killGuard) disarm() {
	g.disarmed = true
}

// cleanupUnlessDisarmed is meant to be deferred immediately after
// newKillGuard. If the guard was never disarmed, it sends SIGKILL to the
// child and reaps it, ignoring errors: by the time this runs, there is
// nothing further to be done about a failure to kill an already-gone
// process.
func (g *killGuard) cleanupUnlessDisarmed() {
	if g.disarmed {
		return
	}
	_ = osutil.Kill(g.pid, sigkill)
	_, _ = osutil.Waitpid(g.pid)
}
