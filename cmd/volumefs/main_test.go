// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootCommandTree(t *testing.T) {
	root := rootCommand()

	seen := make(map[string]bool)
	for _, sub := range root.Subcommands {
		if sub.Name == "" {
			t.Error("subcommand with empty name")
		}
		if seen[sub.Name] {
			t.Errorf("duplicate subcommand %q", sub.Name)
		}
		seen[sub.Name] = true
		if sub.Summary == "" {
			t.Errorf("%s: missing summary", sub.Name)
		}
		if sub.Run == nil && len(sub.Subcommands) == 0 {
			t.Errorf("%s: no Run and no subcommands", sub.Name)
		}
	}

	for _, want := range []string{"ls", "cat", "write", "mkdir", "rm", "mv", "info", "label", "sum", "mkfs", "mount"} {
		if !seen[want] {
			t.Errorf("command tree is missing %q", want)
		}
	}
}

// TestEndToEnd drives the real subcommands against a scratch image:
// format, populate, reorganize, delete. Output goes to the test's
// stdout; only the error contract is asserted here (content-level
// checks live in the driver packages).
func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "scratch.img")

	source := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(source, []byte("hello volumefs\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	run := func(args ...string) error {
		return rootCommand().Execute(args)
	}

	steps := [][]string{
		{"mkfs", image, "--size", "16", "--label", "SCRATCH"},
		{"write", image, "/hello.txt", "--from", source},
		{"mkdir", image, "/docs"},
		{"mv", image, "/hello.txt", "/docs/hello.txt"},
		{"ls", image, "/docs"},
		{"cat", image, "/docs/hello.txt"},
		{"sum", image, "/docs/hello.txt"},
		{"info", image, "--format", "yaml"},
		{"label", image, "ARCHIVE"},
		{"label", image},
		{"rm", image, "/docs/hello.txt"},
		{"rm", image, "/docs"},
	}
	for _, step := range steps {
		if err := run(step...); err != nil {
			t.Fatalf("volumefs %v: %v", step, err)
		}
	}

	// Deleting an already-deleted path surfaces the driver error.
	if err := run("rm", image, "/docs"); err == nil {
		t.Error("rm of a missing path succeeded")
	}

	// Unknown format string is rejected before any output.
	if err := run("ls", image, "--format", "toml"); err == nil {
		t.Error("ls with unknown format succeeded")
	}
}
