// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package usererror defines the closed set of structured failures an
// action can fail with for reasons attributable to the action itself
// (its program, its declared outputs, its timeout) rather than to the
// engine's own plumbing. Infrastructure failures — a syscall the engine
// itself depends on failing in a way the action had no control over — stay
// plain [error] values wrapped with [fmt.Errorf], following the rest of
// this module; only the types in this package are eligible for the
// terminal diagnostic format in [Format].
package usererror

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// UserError is a structured failure with a short headline message and a
// set of named fields a [Visitor] can walk without the visitor needing to
// know the concrete type doing the walking.
type UserError interface {
	error

	// Message returns a short, human-readable summary of the failure,
	// not including any of its elaborated fields.
	Message() string

	// Elaborate reports this error's fields to v, in a fixed order.
	Elaborate(v Visitor)
}

// Visitor receives the named fields of a [UserError]. Exactly one of the
// four methods is called per field, chosen by the field's type.
type Visitor interface {
	String(name, value string)
	Int(name string, value int64)
	Duration(name string, value time.Duration)
	Cause(name string, value error)
}

// TimeoutError reports that a command was killed because it ran longer
// than its configured timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e TimeoutError) Error() string  { return Format(e) }
func (TimeoutError) Message() string  { return "command timed out" }
func (e TimeoutError) Elaborate(v Visitor) {
	v.Duration("timeout", e.Timeout)
}

// TerminationError reports that a command ran to completion but did not
// exit successfully: a nonzero exit status, or death by signal.
type TerminationError struct {
	WaitStatus unix.WaitStatus
}

func (e TerminationError) Error() string { return Format(e) }
func (TerminationError) Message() string { return "command did not exit successfully" }
func (e TerminationError) Elaborate(v Visitor) {
	switch {
	case e.WaitStatus.Exited():
		v.Int("exitCode", int64(e.WaitStatus.ExitStatus()))
	case e.WaitStatus.Signaled():
		v.String("signal", e.WaitStatus.Signal().String())
	default:
		v.Int("wstatus", int64(e.WaitStatus))
	}
}

// CommandSetupError reports that constructing the sandboxed command itself
// failed — a setup syscall between clone and exec returned an error — as
// opposed to the command running and failing on its own.
type CommandSetupError struct {
	Cause error
}

func (e CommandSetupError) Error() string { return Format(e) }
func (CommandSetupError) Message() string { return "failed to set up sandboxed command" }
func (e CommandSetupError) Elaborate(v Visitor) {
	v.Cause("cause", e.Cause)
}

func (e CommandSetupError) Unwrap() error { return e.Cause }

// OutputsDirectoryInaccessibleError reports that the orchestrator could not
// open the sandbox's outputs directory after the command exited
// successfully, so no output could even be enumerated.
type OutputsDirectoryInaccessibleError struct {
	Cause error
}

func (e OutputsDirectoryInaccessibleError) Error() string { return Format(e) }
func (OutputsDirectoryInaccessibleError) Message() string {
	return "could not open outputs directory"
}
func (e OutputsDirectoryInaccessibleError) Elaborate(v Visitor) {
	v.Cause("cause", e.Cause)
}

func (e OutputsDirectoryInaccessibleError) Unwrap() error { return e.Cause }

// OutputsInaccessibleError reports that one or more declared outputs could
// not be hashed after the command exited successfully — most commonly
// because the command never created them. Causes is keyed by the declared
// output path.
type OutputsInaccessibleError struct {
	Causes map[string]error
}

func (e OutputsInaccessibleError) Error() string { return Format(e) }
func (OutputsInaccessibleError) Message() string {
	return "one or more declared outputs could not be hashed"
}
func (e OutputsInaccessibleError) Elaborate(v Visitor) {
	for _, name := range sortedKeys(e.Causes) {
		v.Cause(name, e.Causes[name])
	}
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// Format renders err the way a terminal should display it: a headline
// message, followed by one "-> field = value" line per elaborated field,
// recursing into any elaborated causes that are themselves [UserError]
// values.
func Format(err UserError) string {
	var b fmtBuilder
	b.writeLine(err.Message())
	err.Elaborate(&formatVisitor{out: &b})
	return b.String()
}

type formatVisitor struct {
	out *fmtBuilder
}

func (fv *formatVisitor) String(name, value string) {
	fv.out.writeField(name, value)
}

func (fv *formatVisitor) Int(name string, value int64) {
	fv.out.writeField(name, fmt.Sprintf("%d", value))
}

func (fv *formatVisitor) Duration(name string, value time.Duration) {
	fv.out.writeField(name, value.String())
}

func (fv *formatVisitor) Cause(name string, value error) {
	if nested, ok := value.(UserError); ok {
		fv.out.writeField(name, nested.Message())
		indented := Format(nested)
		fv.out.writeIndentedBlock(indented)
		return
	}
	fv.out.writeField(name, value.Error())
}

type fmtBuilder struct {
	buf []byte
}

func (b *fmtBuilder) writeLine(s string) {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, '\n')
}

func (b *fmtBuilder) writeField(name, value string) {
	b.buf = append(b.buf, " -> "...)
	b.buf = append(b.buf, name...)
	b.buf = append(b.buf, " = "...)
	b.buf = append(b.buf, value...)
	b.buf = append(b.buf, '\n')
}

func (b *fmtBuilder) writeIndentedBlock(s string) {
	// The nested message line was already emitted by writeField; only the
	// nested cause's own fields need to be appended, indented one level
	// deeper so a chain of causes reads as a stack rather than a flat list.
	lines := splitLines(s)
	for i, line := range lines {
		if i == 0 {
			// Skip the nested message line: writeField already printed it as a value.
			continue
		}
		if line == "" {
			continue
		}
		b.buf = append(b.buf, ' ', ' ')
		b.buf = append(b.buf, line...)
		b.buf = append(b.buf, '\n')
	}
}

func (b *fmtBuilder) String() string {
	return string(b.buf)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
