// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind cmd/volumefs: a
// Command tree with pflag flag sets, structured help output, and
// typo suggestions for unknown commands and flags.
package cli
