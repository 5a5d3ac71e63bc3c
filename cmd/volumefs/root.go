// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/bureau-foundation/volumefs/cmd/volumefs/cli"
)

// rootCommand builds the complete volumefs command tree.
func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "volumefs",
		Summary: "inspect and modify filesystem images",
		Description: `volumefs: exFAT and NTFS filesystem images without the kernel.

Reads and writes exFAT images, reads NTFS images, formats fresh exFAT
volumes, and exposes any image through FUSE. Images may be raw files
(read/write) or zstd/lz4 compressed (read-only).`,
		Subcommands: []*cli.Command{
			lsCommand(),
			catCommand(),
			writeCommand(),
			mkdirCommand(),
			rmCommand(),
			mvCommand(),
			infoCommand(),
			labelCommand(),
			sumCommand(),
			mkfsCommand(),
			mountCommand(),
		},
	}
}
