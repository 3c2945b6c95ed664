// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package usererror

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestFormatTimeoutError(t *testing.T) {
	err := TimeoutError{Timeout: 100 * time.Millisecond}
	got := Format(err)
	want := "command timed out\n -> timeout = 100ms\n"
	if got != want {
		t.Errorf("Format(%#v) = %q; want %q", err, got, want)
	}
}

func TestFormatTerminationErrorExitCode(t *testing.T) {
	// WEXITSTATUS(wstatus) == 7, WIFEXITED true: low byte pattern for a
	// normal exit with status 7 is (7 << 8).
	err := TerminationError{WaitStatus: unix.WaitStatus(7 << 8)}
	if !err.WaitStatus.Exited() {
		t.Fatal("constructed wait status does not report Exited()")
	}
	if got := err.WaitStatus.ExitStatus(); got != 7 {
		t.Fatalf("ExitStatus() = %d; want 7", got)
	}
	got := Format(err)
	want := "command did not exit successfully\n -> exitCode = 7\n"
	if got != want {
		t.Errorf("Format(%#v) = %q; want %q", err, got, want)
	}
}

func TestFormatOutputsInaccessibleErrorListsEachOutput(t *testing.T) {
	err := OutputsInaccessibleError{
		Causes: map[string]error{
			"m.o":   errors.New("no such file or directory"),
			"m.lib": errors.New("no such file or directory"),
		},
	}
	got := Format(err)
	want := "one or more declared outputs could not be hashed\n" +
		" -> m.lib = no such file or directory\n" +
		" -> m.o = no such file or directory\n"
	if got != want {
		t.Errorf("Format(...) = %q; want %q", got, want)
	}
}

func TestFormatNestsCommandSetupErrorCause(t *testing.T) {
	inner := TimeoutError{Timeout: time.Second}
	outer := CommandSetupError{Cause: inner}
	got := Format(outer)
	want := "failed to set up sandboxed command\n" +
		" -> cause = command timed out\n" +
		"   -> timeout = 1s\n"
	if got != want {
		t.Errorf("Format(...) = %q; want %q", got, want)
	}
}

func TestPredicatesDistinguishKinds(t *testing.T) {
	var err error = TimeoutError{Timeout: time.Second}
	if !IsTimeout(err) {
		t.Error("IsTimeout(TimeoutError{...}) = false; want true")
	}
	if IsTermination(err) {
		t.Error("IsTermination(TimeoutError{...}) = true; want false")
	}

	wrapped := CommandSetupError{Cause: errors.New("mount failed")}
	if !IsCommandSetup(wrapped) {
		t.Error("IsCommandSetup(CommandSetupError{...}) = false; want true")
	}
	if IsTimeout(wrapped) {
		t.Error("IsTimeout(CommandSetupError{...}) = true; want false")
	}
}

func TestAsExtractsUserError(t *testing.T) {
	err := errorsWrap(OutputsDirectoryInaccessibleError{Cause: errors.New("eacces")})
	ue, ok := As(err)
	if !ok {
		t.Fatal("As(...) = _, false; want true")
	}
	if ue.Message() != "could not open outputs directory" {
		t.Errorf("ue.Message() = %q; want %q", ue.Message(), "could not open outputs directory")
	}

	if _, ok := As(errors.New("plain infrastructure error")); ok {
		t.Error("As(plain error) = _, true; want false")
	}
}

func errorsWrap(err error) error {
	return errWrapper{err}
}

type errWrapper struct{ err error }

func (e errWrapper) Error() string { return "wrapped: " + e.err.Error() }
func (e errWrapper) Unwrap() error { return e.err }
