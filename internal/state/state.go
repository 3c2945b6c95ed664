// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package state manages the on-disk state directory a build engine uses
// across invocations: a root directory holding per-action scratch working
// directories and a content-addressed store of installed outputs.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"crucible.build/pkg/internal/filehash"
	"crucible.build/pkg/internal/osutil"
)

const (
	scratchesDirName     = "scratches"
	cachedOutputsDirName = "cached-outputs"
)

// Context owns the state directory: a root FD plus lazily opened, cached
// FDs for its scratches/ and cached-outputs/ subdirectories, and a
// monotonically increasing counter used to name new scratch directories.
//
// Every FD a Context exposes is valid for the Context's lifetime and is
// closed exactly once, by [Context.Close]. The Context exclusively owns
// its own three FDs; a scratch FD handed out by [Context.NewScratchDir]
// belongs to the caller from that point on.
//
// A Context's lazy-FD fields and scratch counter are guarded by a single
// mutex: the suspension points within one action (poll on a pidfd, reads
// and writes on pipes and files, waitpid) never touch the Context, so
// contention is limited to the moment several actions sharing one
// Context allocate a scratch directory or first touch the cache — a
// plain exclusive mutex is simpler than a reader/writer lock for traffic
// that rare.
type Context struct {
	mu sync.Mutex

	dir           string // state root path, for RemoveScratchDir's benefit
	root          *os.File
	scratches     *os.File // lazily opened, nil until first use
	cachedOutputs *os.File // lazily opened, nil until first use
	nextScratchID uint64
}

// Open opens dir as a state root, creating it if it does not already
// exist. The returned Context owns dir's FD until [Context.Close].
func Open(dir string) (*Context, error) {
	if err := osutil.MkdirPerm(dir, 0o755); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("open state directory %s: %w", dir, err)
	}
	root, err := osutil.Openat(osutil.AT_FDCWD, dir, osutil.ODirectory|osutil.OPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open state directory %s: %w", dir, err)
	}
	return &Context{dir: dir, root: root}, nil
}

// Close closes the Context's root FD and any subdirectory FDs it has
// lazily opened. It is safe to call once; calling it twice returns an
// error from the second close.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.scratches != nil {
		errs = append(errs, c.scratches.Close())
		c.scratches = nil
	}
	if c.cachedOutputs != nil {
		errs = append(errs, c.cachedOutputs.Close())
		c.cachedOutputs = nil
	}
	errs = append(errs, c.root.Close())
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// RootFD returns the file descriptor of the state root, for callers that
// need to resolve paths relative to it directly.
func (c *Context) RootFD() int {
	return int(c.root.Fd())
}

// scratchesFD returns the cached FD for the scratches/ subdirectory,
// opening and creating it on first use.
func (c *Context) scratchesFD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scratches != nil {
		return int(c.scratches.Fd()), nil
	}
	fd, err := c.openOrCreateSubdir(scratchesDirName)
	if err != nil {
		return -1, err
	}
	c.scratches = fd
	return int(fd.Fd()), nil
}

// cachedOutputsFD returns the cached FD for the cached-outputs/
// subdirectory, opening and creating it on first use.
func (c *Context) cachedOutputsFD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedOutputs != nil {
		return int(c.cachedOutputs.Fd()), nil
	}
	fd, err := c.openOrCreateSubdir(cachedOutputsDirName)
	if err != nil {
		return -1, err
	}
	c.cachedOutputs = fd
	return int(fd.Fd()), nil
}

// openOrCreateSubdir opens name relative to the state root, creating it
// first if it does not exist. Caller must hold c.mu.
func (c *Context) openOrCreateSubdir(name string) (*os.File, error) {
	rootFD := int(c.root.Fd())
	if err := osutil.Mkdirat(rootFD, name, 0o755); err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
	}
	fd, err := osutil.Openat(rootFD, name, osutil.ODirectory|osutil.OPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return fd, nil
}

// NewScratchDir creates a fresh scratch working directory under
// scratches/, named after a monotonically increasing counter unique to
// this Context, and returns it open O_DIRECTORY|O_PATH. The caller owns
// the returned FD and is responsible for closing and eventually removing
// it.
func (c *Context) NewScratchDir() (fd *os.File, name string, err error) {
	scratchesFD, err := c.scratchesFD()
	if err != nil {
		return nil, "", fmt.Errorf("new scratch dir: %w", err)
	}

	c.mu.Lock()
	id := c.nextScratchID
	c.nextScratchID++
	c.mu.Unlock()

	name = strconv.FormatUint(id, 10)
	if err := osutil.Mkdirat(scratchesFD, name, 0o755); err != nil {
		return nil, "", fmt.Errorf("new scratch dir: %w", err)
	}
	f, err := osutil.Openat(scratchesFD, name, osutil.ODirectory|osutil.OPath, 0)
	if err != nil {
		return nil, "", fmt.Errorf("new scratch dir: %w", err)
	}
	return f, name, nil
}

// StoreCachedOutput atomically installs the file at (fromDirFD,
// fromPath) into cached-outputs/<hex(hash)>, deduplicating by content:
// an install that lands on a name already present in the store succeeds
// silently, since [filehash.Hash] is a pure function of content, so an
// existing entry with the same name necessarily already holds the same
// bytes.
func (c *Context) StoreCachedOutput(hash filehash.Hash, fromDirFD int, fromPath string) error {
	cachedOutputsFD, err := c.cachedOutputsFD()
	if err != nil {
		return fmt.Errorf("store cached output: %w", err)
	}

	name := hash.String()
	err = osutil.Renameat2(fromDirFD, fromPath, cachedOutputsFD, name, unix.RENAME_NOREPLACE)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("store cached output %s: %w", name, err)
	}
	return nil
}

// RemoveScratchDir removes the scratch directory named by a prior
// [Context.NewScratchDir] call, along with everything under it. A
// run-action sandbox spawns its command inside a private mount
// namespace, so any bind mounts an action created inside its scratch tree
// are already torn down by the kernel by the time the action returns —
// but [osutil.RemoveAll] is still the right tool here rather than a plain
// recursive unlink, since it tolerates the case where that isn't true
// (a caller driving [Context] directly is free to leave mounts behind).
func (c *Context) RemoveScratchDir(name string) error {
	path := filepath.Join(c.dir, scratchesDirName, name)
	if err := osutil.RemoveAll(path); err != nil {
		return fmt.Errorf("remove scratch dir %s: %w", name, err)
	}
	return nil
}

// CachedOutputPath returns the path, relative to the state root, at
// which the output addressed by hash would be installed. It does not
// check whether the file actually exists.
func CachedOutputPath(hash filehash.Hash) string {
	return cachedOutputsDirName + "/" + hash.String()
}
