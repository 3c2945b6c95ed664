// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
)

func newCacheCommand(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:           "cache",
		Short:         "inspect the cached-outputs store",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newCacheListCommand(cfg))
	return root
}

func newCacheListCommand(cfg *config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "list",
		Short:                 "list installed cached outputs",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runCacheList(cmd, cfg)
	}
	return c
}

func runCacheList(cmd *cobra.Command, cfg *config) error {
	dir := filepath.Join(cfg.StateDir, "cached-outputs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list cached outputs: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}
