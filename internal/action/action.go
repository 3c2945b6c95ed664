// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package action orchestrates one hermetic action: it builds a scratch
// filesystem skeleton, runs action-specific code against it, hashes every
// declared output, and installs each into the content-addressed cache.
package action

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"zombiezen.com/go/log"

	"crucible.build/pkg/internal/filehash"
	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/internal/state"
	"crucible.build/pkg/internal/usererror"

	"golang.org/x/sync/errgroup"
)

// Config holds the engine-wide settings every action, not only run actions,
// needs: the implicit-dependency symlinks bin/sh and usr/bin/env must exist
// even for actions whose declared program is not /bin/sh, since a script
// may exec it indirectly.
type Config struct {
	// BashPath is a Nix-store directory containing bin/bash.
	BashPath string
	// CoreutilsPath is a Nix-store directory containing bin/env.
	CoreutilsPath string
}

// Env is what action-specific code receives: the scratch directory and
// log file, already open. Action-specific code must not close either FD;
// it may freely create, modify, and delete files within the scratch
// directory, and must leave every declared output as a directory entry of
// outputs/ by the time it returns.
type Env struct {
	ScratchDirFD int
	LogFD        int
}

// Func is action-specific code invoked by [PerformAction] once the scratch
// skeleton exists. Returning a non-nil error produces a [Failure] status
// carrying that error as the cause; the specific usererror.TerminationError/
// TimeoutError produced by running a sandboxed command under
// [PerformRunAction] flows through unchanged.
type Func func(ctx context.Context, env *Env) error

// Status is the outcome of [PerformAction]. It is a closed sum type:
// [Success], [Warning], and [Failure] are its only implementations.
type Status interface {
	status()
}

// Success means the action completed and every declared output was
// installed into the cache.
type Success struct{}

func (Success) status() {}

// Warning means the action completed and every output was installed, but
// something in its log warrants the caller's attention. No code path
// currently produces a Warning; it exists so a future log-scanning pass
// has somewhere to report to without changing the Status contract.
type Warning struct {
	Log string
}

func (Warning) status() {}

// Failure means the action did not complete successfully. Cause is a
// [usererror.UserError] when the failure is attributable to the action
// itself (non-zero exit, timeout, missing output); it is a plain wrapped
// error for anything else.
type Failure struct {
	Log   string
	Cause error
}

func (Failure) status() {}

const (
	skeletonDirMode = 0o755
	procDirMode     = 0o555
	buildLogMode    = 0o644
)

// skeletonDirs are created relative to the scratch directory, in order,
// before action-specific code runs. proc/ is deliberately not in this
// list: it gets its own mode below.
var skeletonDirs = []string{"bin", "nix", "nix/store", "usr", "usr/bin", "build", "outputs"}

// PerformAction runs fn inside a freshly built scratch skeleton, then
// hashes and installs every path in outputs (relative to outputs/) into
// st's cached-outputs store.
func PerformAction(ctx context.Context, st *state.Context, cfg Config, outputs []string, fn Func) (Status, error) {
	invocationID := uuid.New()
	ctx = context.WithValue(ctx, invocationIDKey{}, invocationID)
	log.Infof(ctx, "action %s: starting", invocationID)

	scratch, scratchName, err := st.NewScratchDir()
	if err != nil {
		return nil, fmt.Errorf("perform action: %w", err)
	}
	defer scratch.Close()
	scratchFD := int(scratch.Fd())
	log.Debugf(ctx, "action %s: scratch directory scratches/%s", invocationID, scratchName)

	if err := buildSkeleton(scratchFD, cfg); err != nil {
		return nil, fmt.Errorf("perform action: %w", err)
	}

	logFile, err := osutil.Openat(scratchFD, "build.log", osutil.OCreat|osutil.ORdWr, buildLogMode)
	if err != nil {
		return nil, fmt.Errorf("perform action: open build.log: %w", err)
	}
	defer logFile.Close()

	env := &Env{ScratchDirFD: scratchFD, LogFD: int(logFile.Fd())}
	if actionErr := fn(ctx, env); actionErr != nil {
		log.Infof(ctx, "action %s: failed: %v", invocationID, actionErr)
		return Failure{Log: readLogBestEffort(scratchFD), Cause: actionErr}, nil
	}

	outputsFD, err := osutil.Openat(scratchFD, "outputs", osutil.ODirectory|osutil.OPath, 0)
	if err != nil {
		cause := usererror.OutputsDirectoryInaccessibleError{Cause: err}
		return Failure{Log: readLogBestEffort(scratchFD), Cause: cause}, nil
	}
	defer outputsFD.Close()
	outputsFDNum := int(outputsFD.Fd())

	hashes, hashErr := hashOutputs(ctx, outputsFDNum, outputs)
	if hashErr != nil {
		return Failure{Log: readLogBestEffort(scratchFD), Cause: hashErr}, nil
	}

	for _, out := range outputs {
		if err := st.StoreCachedOutput(hashes[out], outputsFDNum, out); err != nil {
			return nil, fmt.Errorf("perform action: install output %s: %w", out, err)
		}
	}

	log.Infof(ctx, "action %s: succeeded", invocationID)
	if err := st.RemoveScratchDir(scratchName); err != nil {
		// Outputs are already installed in the cache by content hash, so a
		// failure to reclaim the scratch tree doesn't affect correctness;
		// it only leaves disk usage to clean up later.
		log.Errorf(ctx, "action %s: %v", invocationID, err)
	}
	return Success{}, nil
}

type invocationIDKey struct{}

// buildSkeleton creates the fixed directory layout and the mandatory
// implicit-dependency symlinks inside the scratch directory identified by
// scratchFD.
func buildSkeleton(scratchFD int, cfg Config) error {
	for _, dir := range skeletonDirs {
		if err := osutil.Mkdirat(scratchFD, dir, skeletonDirMode); err != nil {
			return fmt.Errorf("build skeleton: %w", err)
		}
	}
	if err := osutil.Mkdirat(scratchFD, "proc", procDirMode); err != nil {
		return fmt.Errorf("build skeleton: %w", err)
	}

	if err := osutil.Symlinkat(cfg.BashPath+"/bin/bash", scratchFD, "bin/sh"); err != nil {
		return fmt.Errorf("build skeleton: bin/sh: %w", err)
	}
	if err := osutil.Symlinkat(cfg.CoreutilsPath+"/bin/env", scratchFD, "usr/bin/env"); err != nil {
		return fmt.Errorf("build skeleton: usr/bin/env: %w", err)
	}
	return nil
}

// hashOutputs hashes every declared output concurrently, collecting every
// failure rather than stopping at the first one, so a caller sees every
// missing or unreadable output in a single report.
func hashOutputs(ctx context.Context, outputsFD int, outputs []string) (map[string]filehash.Hash, error) {
	hashes := make(map[string]filehash.Hash, len(outputs))

	type result struct {
		name string
		hash filehash.Hash
		err  error
	}
	results := make(chan result, len(outputs))

	var grp errgroup.Group
	for _, out := range outputs {
		out := out
		grp.Go(func() error {
			h, err := filehash.Tree(outputsFD, out)
			results <- result{name: out, hash: h, err: err}
			return nil
		})
	}
	// errgroup.Go's function above never returns an error itself (errors
	// are captured in the results channel instead), and the zero Group has
	// no context, so Wait always returns nil; there is nothing to check.
	_ = grp.Wait()
	close(results)

	causes := make(map[string]error)
	for r := range results {
		if r.err != nil {
			causes[r.name] = r.err
			continue
		}
		hashes[r.name] = r.hash
	}
	if len(causes) > 0 {
		return nil, usererror.OutputsInaccessibleError{Causes: causes}
	}
	return hashes, nil
}

// readLogBestEffort reads build.log out of the scratch directory for
// inclusion in a Failure status. A failure to read the log itself is not
// escalated; the caller already has a more specific cause to report.
func readLogBestEffort(scratchFD int) string {
	f, err := osutil.Openat(scratchFD, "build.log", osutil.ORdOnly, 0)
	if err != nil {
		return ""
	}
	defer f.Close()
	const maxLogBytes = 1 << 20
	data, _ := io.ReadAll(io.LimitReader(f, maxLogBytes))
	return string(data)
}
