// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"

	"crucible.build/pkg/internal/action"
)

// descriptorFile is the on-disk (HuJSON) shape of an [action.Descriptor]:
// a single pre-resolved run action, as an upstream build-file evaluator
// would hand one to this engine.
type descriptorFile struct {
	Program        string   `json:"program"`
	Argv           []string `json:"argv"`
	Envp           []string `json:"envp"`
	Outputs        []string `json:"outputs"`
	TimeoutSeconds float64  `json:"timeoutSeconds"`
}

// readDescriptor reads and parses an action descriptor from path.
func readDescriptor(path string) (action.Descriptor, error) {
	huJSONData, err := os.ReadFile(path)
	if err != nil {
		return action.Descriptor{}, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	jsonData, err := hujson.Standardize(huJSONData)
	if err != nil {
		return action.Descriptor{}, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	var df descriptorFile
	if err := jsonv2.Unmarshal(jsonData, &df); err != nil {
		return action.Descriptor{}, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	if df.Program == "" {
		return action.Descriptor{}, fmt.Errorf("read descriptor %s: program is required", path)
	}
	return action.Descriptor{
		Program: df.Program,
		Argv:    df.Argv,
		Envp:    df.Envp,
		Outputs: df.Outputs,
		Timeout: time.Duration(df.TimeoutSeconds * float64(time.Second)),
	}, nil
}
