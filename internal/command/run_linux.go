// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package command

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/internal/usererror"
)

// Run spawns the command and blocks until the child has either exited or
// been killed for exceeding timeout. It never returns while the child is
// alive and never leaks the pidfd.
//
// A zero or negative timeout means the child gets no time to run at all:
// poll observes the pidfd not yet readable and Run fails immediately with
// [usererror.TimeoutError].
func (c *Command) Run(timeout time.Duration) error {
	pid, pidfd, err := c.spawn()
	if err != nil {
		return usererror.CommandSetupError{Cause: err}
	}
	defer osutil.CloseFD(pidfd)

	guard := newKillGuard(pid)
	defer guard.cleanupUnlessDisarmed()

	revents, err := osutil.Poll(pidfd, unix.POLLIN, clampTimeout(timeout))
	if err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	if revents == 0 {
		return usererror.TimeoutError{Timeout: timeout}
	}

	ws, err := osutil.Waitpid(pid)
	if err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	guard.disarm()

	if ws.Exited() && ws.ExitStatus() == 0 {
		return nil
	}
	return usererror.TerminationError{WaitStatus: ws}
}

// clampTimeout converts a possibly-negative or zero Duration into
// something [osutil.Poll] treats as "return immediately" rather than
// "block forever", matching poll(2)'s own 0-means-don't-block convention.
func clampTimeout(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return 0
	}
	return timeout
}
