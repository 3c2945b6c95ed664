// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descriptor.jwcc")
	const contents = `{
		// a minimal hello-world action
		"program": "/bin/sh",
		"argv": ["sh", "-c", "echo hi > /outputs/m.o"],
		"outputs": ["m.o"],
		"timeoutSeconds": 5,
	}`
	if err := os.WriteFile(path, []byte(contents), 0o666); err != nil {
		t.Fatal(err)
	}

	desc, err := readDescriptor(path)
	if err != nil {
		t.Fatalf("readDescriptor: %v", err)
	}
	if desc.Program != "/bin/sh" {
		t.Errorf("Program = %q, want /bin/sh", desc.Program)
	}
	if len(desc.Outputs) != 1 || desc.Outputs[0] != "m.o" {
		t.Errorf("Outputs = %v, want [m.o]", desc.Outputs)
	}
	if desc.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", desc.Timeout)
	}
}

func TestReadDescriptorRequiresProgram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descriptor.jwcc")
	if err := os.WriteFile(path, []byte(`{"outputs": ["m.o"]}`), 0o666); err != nil {
		t.Fatal(err)
	}
	if _, err := readDescriptor(path); err == nil {
		t.Error("readDescriptor with no program = nil error, want an error")
	}
}
