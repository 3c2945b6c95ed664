// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package action

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"crucible.build/pkg/internal/command"
	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/internal/state"
)

// Descriptor is the input to [PerformRunAction]: a program, its argument
// and environment vectors, the set of output paths it must produce
// (relative to outputs/), and a timeout.
type Descriptor struct {
	Program string
	Argv    []string
	Envp    []string
	Outputs []string
	Timeout time.Duration
}

const allNamespaceFlags = unix.CLONE_NEWCGROUP | unix.CLONE_NEWIPC | unix.CLONE_NEWNET |
	unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUSER | unix.CLONE_NEWUTS

// NixStorePath is the host path bind-mounted read-only into every run
// action's sandbox at nix/store. It is a package variable rather than a
// Config field because it names a fixed host location, not something that
// varies per invocation the way BashPath/CoreutilsPath do; see
// cmd/crucible/config.go for how it is resolved.
var NixStorePath = "/nix/store"

// PerformRunAction runs Program under Argv/Envp inside a freshly
// constructed sandbox: all seven namespace flags, a pidfd request,
// uid/gid mapped to the outer caller's, a private mount subtree, a
// read-only bind of the host Nix store, and stdout/stderr redirected to
// build.log.
func PerformRunAction(ctx context.Context, st *state.Context, cfg Config, desc Descriptor) (Status, error) {
	outerUID := os.Getuid()
	outerGID := os.Getgid()

	return PerformAction(ctx, st, cfg, desc.Outputs, func(ctx context.Context, env *Env) error {
		c := command.Command{
			Setgroups:    []byte("deny\n"),
			UIDMap:       []byte(fmt.Sprintf("0 %d 1\n", outerUID)),
			GIDMap:       []byte(fmt.Sprintf("0 %d 1\n", outerGID)),
			InitialDirFD: env.ScratchDirFD,
			CloneFlags:   allNamespaceFlags,
			Mounts: []command.MountOp{
				// Disconnect from the host's shared mount propagation
				// tree first, so nothing below leaks out to the host or
				// in from concurrent sandboxes.
				{Source: "none", Target: "/", Flags: osutil.MSPrivate | osutil.MSRec},
				{Source: "proc", Target: "proc", FilesystemType: "proc", Flags: osutil.MSNodev | osutil.MSNoexec | osutil.MSNosuid},
				// mount(2) silently ignores MS_BIND|MS_RDONLY in a single
				// call; a read-only bind requires the bind first, then a
				// remount with MS_RDONLY.
				{Source: NixStorePath, Target: "nix/store", Flags: osutil.MSBind | osutil.MSRec},
				{Source: "none", Target: "nix/store", Flags: osutil.MSBind | osutil.MSRec | osutil.MSRdonly | osutil.MSRemount},
			},
			Chroot:      ".",
			ChrootChdir: "/build",
			Path:        desc.Program,
			Argv:        desc.Argv,
			Envp:        desc.Envp,
			Stdin:       command.Close(),
			Stdout:      command.Dup2(env.LogFD),
			Stderr:      command.Dup2(env.LogFD),
		}
		return c.Run(desc.Timeout)
	})
}
