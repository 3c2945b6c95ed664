// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Command crucible is a CLI harness around the hermetic action-execution
// engine: it opens a state directory, performs a single run action read
// from a descriptor file, and reports either a typed user-error or a
// success. It has no build-file parser, evaluator, or multi-action
// scheduler; those live, if anywhere, in a layer above this one.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "crucible",
		Short:         "hermetic action-execution engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cfg := defaultConfig()
	cfg.mergeEnvironment()
	if err := cfg.mergeFiles(defaultConfigFiles()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "`path` to the state directory")
	rootCommand.PersistentFlags().StringVar(&cfg.BashPath, "bash-path", cfg.BashPath, "Nix store `path` containing bin/bash")
	rootCommand.PersistentFlags().StringVar(&cfg.CoreutilsPath, "coreutils-path", cfg.CoreutilsPath, "Nix store `path` containing bin/env")
	rootCommand.PersistentFlags().StringVar(&cfg.NixStorePath, "nix-store-path", cfg.NixStorePath, "host `path` bind-mounted read-only at nix/store")
	showDebug := rootCommand.PersistentFlags().Bool("debug", cfg.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newRunCommand(cfg),
		newCacheCommand(cfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		if !errors.Is(err, errActionFailed) {
			log.Errorf(context.Background(), "%v", err)
		}
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "crucible: ", log.StdFlags, nil),
		})
	})
}
