// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"

	"golang.org/x/term"
)

// colorEnabled reports whether diagnostic output should be colorized:
// only when stdout is an interactive terminal, never when it's been
// redirected to a file or pipe.
func colorEnabled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

const (
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

func colorize(enabled bool, color, s string) string {
	if !enabled {
		return s
	}
	return color + s + ansiReset
}
