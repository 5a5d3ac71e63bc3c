// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"
)

// NewLogger creates the structured logger for CLI commands: a
// TextHandler on stderr at Info level, raised to Debug when the
// VOLUMEFS_DEBUG environment variable is non-empty.
//
// Commands scope the logger with context via With():
//
//	logger := cli.NewLogger().With("command", "mkfs", "image", path)
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("VOLUMEFS_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
