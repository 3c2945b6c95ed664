// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"crucible.build/pkg/internal/action"
	"crucible.build/pkg/internal/state"
	"crucible.build/pkg/internal/usererror"
)

func newRunCommand(cfg *config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run descriptor.json",
		Short:                 "perform a single run action from a descriptor file",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runRun(cmd, cfg, args[0])
	}
	return c
}

func runRun(cmd *cobra.Command, cfg *config, descriptorPath string) error {
	desc, err := readDescriptor(descriptorPath)
	if err != nil {
		return err
	}

	st, err := state.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state directory %s: %w", cfg.StateDir, err)
	}
	defer st.Close()

	actionConfig := action.Config{
		BashPath:      cfg.BashPath,
		CoreutilsPath: cfg.CoreutilsPath,
	}
	action.NixStorePath = cfg.NixStorePath

	status, err := action.PerformRunAction(cmd.Context(), st, actionConfig, desc)
	if err != nil {
		return fmt.Errorf("perform run action: %w", err)
	}

	out := cmd.OutOrStdout()
	color := colorEnabled()
	switch status := status.(type) {
	case action.Success:
		fmt.Fprintln(out, colorize(color, ansiGreen, "success"))
		return nil
	case action.Warning:
		fmt.Fprintln(out, colorize(color, ansiGreen, "success (with warnings)"))
		return nil
	case action.Failure:
		fmt.Fprintln(out, colorize(color, ansiRed, "failure"))
		if userErr, ok := usererror.As(status.Cause); ok {
			fmt.Fprint(out, usererror.Format(userErr))
		} else {
			fmt.Fprintf(out, "%v\n", status.Cause)
		}
		return errActionFailed
	default:
		return fmt.Errorf("perform run action: unrecognized status %T", status)
	}
}

var errActionFailed = errors.New("action did not succeed")
