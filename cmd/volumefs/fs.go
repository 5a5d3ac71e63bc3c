// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/volumefs/cmd/volumefs/cli"
)

// lsCommand lists a directory inside an image.
func lsCommand() *cli.Command {
	var format string
	return &cli.Command{
		Name:    "ls",
		Summary: "list a directory",
		Usage:   "volumefs ls <image> [path]",
		Examples: []cli.Example{
			{Description: "list the root directory", Command: "volumefs ls disk.img"},
			{Description: "machine-readable listing", Command: "volumefs ls --format yaml disk.img /docs"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ls", pflag.ContinueOnError)
			flagSet.StringVar(&format, "format", "text", "output format: text, yaml, or cbor")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("usage: volumefs ls <image> [path]")
			}
			path := "/"
			if len(args) == 2 {
				path = args[1]
			}

			ctx := context.Background()
			vol, cleanup, err := openVolume(ctx, args[0], false, commandLogger("ls"))
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := vol.ReadDir(ctx, path)
			if err != nil {
				return err
			}

			records := make([]entryRecord, len(entries))
			for i, entry := range entries {
				records[i] = entryRecord{Name: entry.Name, Size: entry.Size, IsDir: entry.IsDir}
			}

			return emit(format, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
				for _, record := range records {
					kind := "-"
					if record.IsDir {
						kind = "d"
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\n", kind, record.Size, record.Name)
				}
				return tw.Flush()
			}, records)
		},
	}
}

// catCommand prints a file's content to stdout.
func catCommand() *cli.Command {
	return &cli.Command{
		Name:    "cat",
		Summary: "print a file to stdout",
		Usage:   "volumefs cat <image> <path>",
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: volumefs cat <image> <path>")
			}

			ctx := context.Background()
			vol, cleanup, err := openVolume(ctx, args[0], false, commandLogger("cat"))
			if err != nil {
				return err
			}
			defer cleanup()

			data, err := vol.ReadFile(ctx, args[1])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

// writeCommand stores a local file (or stdin) into an image.
func writeCommand() *cli.Command {
	var from string
	return &cli.Command{
		Name:    "write",
		Summary: "create or replace a file",
		Usage:   "volumefs write <image> <path> [--from file]",
		Examples: []cli.Example{
			{Description: "store a local file", Command: "volumefs write disk.img /docs/report.txt --from report.txt"},
			{Description: "store stdin", Command: "echo hello | volumefs write disk.img /hello.txt"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("write", pflag.ContinueOnError)
			flagSet.StringVar(&from, "from", "-", "local source file, - for stdin")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: volumefs write <image> <path> [--from file]")
			}

			var data []byte
			var err error
			if from == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(from)
			}
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}

			ctx := context.Background()
			vol, cleanup, err := openVolume(ctx, args[0], true, commandLogger("write"))
			if err != nil {
				return err
			}

			if err := vol.WriteFile(ctx, args[1], data); err != nil {
				cleanup()
				return err
			}
			return cleanup()
		},
	}
}

// mkdirCommand creates a directory.
func mkdirCommand() *cli.Command {
	return &cli.Command{
		Name:    "mkdir",
		Summary: "create a directory",
		Usage:   "volumefs mkdir <image> <path>",
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: volumefs mkdir <image> <path>")
			}

			ctx := context.Background()
			vol, cleanup, err := openVolume(ctx, args[0], true, commandLogger("mkdir"))
			if err != nil {
				return err
			}
			if err := vol.Mkdir(ctx, args[1]); err != nil {
				cleanup()
				return err
			}
			return cleanup()
		},
	}
}

// rmCommand deletes a file or empty directory.
func rmCommand() *cli.Command {
	return &cli.Command{
		Name:    "rm",
		Summary: "delete a file or empty directory",
		Usage:   "volumefs rm <image> <path>",
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: volumefs rm <image> <path>")
			}

			ctx := context.Background()
			vol, cleanup, err := openVolume(ctx, args[0], true, commandLogger("rm"))
			if err != nil {
				return err
			}
			if err := vol.Delete(ctx, args[1]); err != nil {
				cleanup()
				return err
			}
			return cleanup()
		},
	}
}

// mvCommand renames or moves an entry within an image.
func mvCommand() *cli.Command {
	return &cli.Command{
		Name:    "mv",
		Summary: "rename or move an entry",
		Usage:   "volumefs mv <image> <old-path> <new-path>",
		Run: func(args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("usage: volumefs mv <image> <old-path> <new-path>")
			}

			ctx := context.Background()
			vol, cleanup, err := openVolume(ctx, args[0], true, commandLogger("mv"))
			if err != nil {
				return err
			}
			if err := vol.Rename(ctx, args[1], args[2]); err != nil {
				cleanup()
				return err
			}
			return cleanup()
		},
	}
}
