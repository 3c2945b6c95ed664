// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"crucible.build/pkg/internal/osutil"
)

// cloneArgs mirrors struct clone_args from linux/sched.h, the argument to
// the clone3(2) syscall (syscall number 435 on every architecture that
// defines it).
type cloneArgs struct {
	flags       uint64
	pidfd       uint64
	childTid    uint64
	parentTid   uint64
	exitSignal  uint64
	stack       uint64
	stackSize   uint64
	tls         uint64
	setTid      uint64
	setTidSize  uint64
	cgroup      uint64
}

// maxErrorContextLen bounds the context string written to the error pipe,
// per the protocol's 512-byte read buffer minus the 4-byte errno header.
const maxErrorContextLen = 508

// spawn clones a new child inside the namespaces selected by c.CloneFlags,
// running childPreExec in the child and returning its pid and pidfd to
// the parent. Any failure between clone3 and execve is reported as the
// returned error, already carrying the pre-exec step's context; the child
// is then killed and reaped and the pidfd closed.
func (c *Command) spawn() (pid int, pidfd int, err error) {
	p, err := c.prepare()
	if err != nil {
		return 0, -1, fmt.Errorf("prepare command: %w", err)
	}

	pipeR, pipeW, err := osutil.Pipe2(0)
	if err != nil {
		return 0, -1, fmt.Errorf("spawn: %w", err)
	}
	defer pipeR.Close()

	var args cloneArgs
	args.flags = uint64(c.CloneFlags) | uint64(unix.CLONE_PIDFD)
	args.exitSignal = uint64(unix.SIGCHLD)
	var kernelPidfd int32 = -1
	args.pidfd = uint64(uintptr(unsafe.Pointer(&kernelPidfd)))

	stdin, stdout, stderr := c.Stdin, c.Stdout, c.Stderr
	pipeWfd := int(pipeW.Fd())
	pipeRfd := int(pipeR.Fd())

	// A raw clone3 is not mediated by the Go runtime's fork machinery the
	// way os/exec's ForkExec is. LockOSThread plus the same ForkLock
	// os/exec itself takes keeps this goroutine pinned to the cloning
	// thread and keeps other fd-creating operations in this process from
	// racing the fork, narrowing (without fully eliminating) the classic
	// fork-in-a-multithreaded-process hazard.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	syscall.ForkLock.Lock()

	rawPid, _, errno := unix.RawSyscall(unix.SYS_CLONE3, uintptr(unsafe.Pointer(&args)), unsafe.Sizeof(args), 0)
	if errno != 0 {
		syscall.ForkLock.Unlock()
		return 0, -1, fmt.Errorf("clone3: %w", errno)
	}

	if rawPid == 0 {
		// Child. childPreExec never returns: it either execve's or
		// writes an error to the pipe and calls exit_group(2) directly.
		childPreExec(p, pipeRfd, pipeWfd, stdin, stdout, stderr)
		panic("unreachable: childPreExec returned")
	}

	// Parent.
	syscall.ForkLock.Unlock()
	pid = int(rawPid)
	parentPidfd := int(kernelPidfd)
	defer func() {
		if err != nil {
			_ = osutil.CloseFD(parentPidfd)
		}
	}()
	guard := newKillGuard(pid)
	defer guard.cleanupUnlessDisarmed()

	pipeW.Close()
	buf := make([]byte, 512)
	n, readErr := readFull(pipeR, buf)
	if readErr != nil {
		return 0, -1, fmt.Errorf("spawn: read error pipe: %w", readErr)
	}
	switch {
	case n == 0:
		guard.disarm()
		return pid, parentPidfd, nil
	case n > 4:
		childErrno := syscall.Errno(binary.NativeEndian.Uint32(buf[:4]))
		context := string(buf[4:n])
		return 0, -1, fmt.Errorf("%s: %w", context, childErrno)
	default:
		return 0, -1, fmt.Errorf("child_pre_execve: incomplete error report (%d bytes)", n)
	}
}

// readFull reads until EOF or the buffer fills, returning the number of
// bytes read. Unlike io.ReadFull, a short read followed by EOF is not an
// error here: it's exactly the "child wrote a partial error and exited"
// case the protocol's parent side must distinguish from a clean EOF.
func readFull(r *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

// childPreExec runs entirely in the cloned child, between clone3 and
// execve. Every step below must be safe to run with no other thread of
// this process existing (clone3 without CLONE_VM gives the child a private
// copy of the address space, but only the calling thread survives into
// it), which is why this function sticks to raw syscalls and pre-prepared
// byte buffers rather than anything that might allocate or take a runtime
// lock another, now-nonexistent thread held at the instant of the clone.
func childPreExec(p *prepared, pipeRfd, pipeWfd int, stdin, stdout, stderr Stdio) {
	rawClose(pipeRfd)

	if errno := writeProcSelfFile(setgroupsPath, p.setgroups); errno != 0 {
		childFail(pipeWfd, errno, "setgroups")
	}
	if errno := writeProcSelfFile(uidMapPath, p.uidMap); errno != 0 {
		childFail(pipeWfd, errno, "uid_map")
	}
	if errno := writeProcSelfFile(gidMapPath, p.gidMap); errno != 0 {
		childFail(pipeWfd, errno, "gid_map")
	}

	if _, _, errno := unix.RawSyscall(unix.SYS_CHDIR, uintptr(unsafe.Pointer(p.fchdirPath)), 0, 0); errno != 0 {
		childFail(pipeWfd, errno, "fchdir")
	}

	for _, m := range p.mounts {
		_, _, errno := unix.RawSyscall6(unix.SYS_MOUNT,
			uintptr(unsafe.Pointer(m.source)),
			uintptr(unsafe.Pointer(m.target)),
			uintptr(unsafe.Pointer(m.fstype)),
			m.flags,
			uintptr(unsafe.Pointer(m.data)),
			0)
		if errno != 0 {
			childFail(pipeWfd, errno, "mount")
		}
	}

	if p.chroot != nil {
		if _, _, errno := unix.RawSyscall(unix.SYS_CHROOT, uintptr(unsafe.Pointer(p.chroot)), 0, 0); errno != 0 {
			childFail(pipeWfd, errno, "chroot")
		}
	}
	if p.chrootChdir != nil {
		if _, _, errno := unix.RawSyscall(unix.SYS_CHDIR, uintptr(unsafe.Pointer(p.chrootChdir)), 0, 0); errno != 0 {
			childFail(pipeWfd, errno, "chroot_chdir")
		}
	}

	if errno := adjustFd(0, stdin); errno != 0 {
		childFail(pipeWfd, errno, "stdin")
	}
	if errno := adjustFd(1, stdout); errno != 0 {
		childFail(pipeWfd, errno, "stdout")
	}
	if errno := adjustFd(2, stderr); errno != 0 {
		childFail(pipeWfd, errno, "stderr")
	}

	_, _, errno := unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(p.path)),
		uintptr(unsafe.Pointer(&p.argv[0])),
		uintptr(unsafe.Pointer(&p.envp[0])))
	childFail(pipeWfd, errno, "execve")
}

const (
	setgroupsPath = "/proc/self/setgroups\x00"
	uidMapPath    = "/proc/self/uid_map\x00"
	gidMapPath    = "/proc/self/gid_map\x00"
)

// writeProcSelfFile truncates and writes data to path (a NUL-terminated
// string constant) with a single write(2) call, since the kernel rejects
// writes to these files that do not arrive in one call.
func writeProcSelfFile(path string, data []byte) syscall.Errno {
	atFdCwd := unix.AT_FDCWD
	fd, _, errno := unix.RawSyscall6(unix.SYS_OPENAT,
		uintptr(atFdCwd),
		uintptr(unsafe.Pointer(unsafe.StringData(path))),
		uintptr(unix.O_WRONLY|unix.O_TRUNC),
		0, 0, 0)
	if errno != 0 {
		return errno
	}
	defer rawClose(int(fd))

	if len(data) == 0 {
		return 0
	}
	n, _, errno := unix.RawSyscall(unix.SYS_WRITE, fd, uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)))
	if errno != 0 {
		return errno
	}
	if int(n) != len(data) {
		return unix.EAGAIN
	}
	return 0
}

func adjustFd(fd int, s Stdio) syscall.Errno {
	switch s.kind {
	case stdioInherit:
		return 0
	case stdioClose:
		return rawClose(fd)
	case stdioDup2:
		if s.oldfd == fd {
			return 0
		}
		_, _, errno := unix.RawSyscall(unix.SYS_DUP3, uintptr(s.oldfd), uintptr(fd), 0)
		return errno
	default:
		return 0
	}
}

func rawClose(fd int) syscall.Errno {
	_, _, errno := unix.RawSyscall(unix.SYS_CLOSE, uintptr(fd), 0, 0)
	return errno
}

// childFail reports a pre-exec failure to the parent and terminates the
// child. It never returns.
func childFail(pipeWfd int, errno syscall.Errno, context string) {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], uint32(int32(errno)))
	unix.RawSyscall(unix.SYS_WRITE, uintptr(pipeWfd), uintptr(unsafe.Pointer(&buf[0])), 4)

	if len(context) > maxErrorContextLen {
		context = context[:maxErrorContextLen]
	}
	if len(context) > 0 {
		unix.RawSyscall(unix.SYS_WRITE, uintptr(pipeWfd), uintptr(unsafe.Pointer(unsafe.StringData(context))), uintptr(len(context)))
	}

	unix.RawSyscall(unix.SYS_EXIT_GROUP, 1, 0, 0)
	// exit_group does not return; if it somehow did, spin rather than
	// unwind back into partially-mounted, partially-chrooted state.
	for {
	}
}
