// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/volumefs/cmd/volumefs/cli"
)

// infoCommand reports capacity and format details for an image.
func infoCommand() *cli.Command {
	var format string
	return &cli.Command{
		Name:    "info",
		Summary: "show volume format, capacity, and label",
		Usage:   "volumefs info <image>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("info", pflag.ContinueOnError)
			flagSet.StringVar(&format, "format", "text", "output format: text, yaml, or cbor")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: volumefs info <image>")
			}

			ctx := context.Background()
			vol, cleanup, err := openVolume(ctx, args[0], false, commandLogger("info"))
			if err != nil {
				return err
			}
			defer cleanup()

			info, err := vol.Info(ctx)
			if err != nil {
				return err
			}
			label, err := vol.Label(ctx)
			if err != nil {
				return err
			}

			record := infoRecord{
				Format:      info.Format.String(),
				Label:       label,
				TotalBytes:  info.TotalBytes,
				FreeBytes:   info.FreeBytes,
				ClusterSize: info.ClusterSize,
			}

			return emit(format, func(w io.Writer) error {
				fmt.Fprintf(w, "format:       %s\n", record.Format)
				if record.Label != "" {
					fmt.Fprintf(w, "label:        %s\n", record.Label)
				}
				fmt.Fprintf(w, "total bytes:  %d\n", record.TotalBytes)
				fmt.Fprintf(w, "free bytes:   %d\n", record.FreeBytes)
				fmt.Fprintf(w, "cluster size: %d\n", record.ClusterSize)
				return nil
			}, record)
		},
	}
}

// labelCommand prints or sets the volume label.
func labelCommand() *cli.Command {
	return &cli.Command{
		Name:    "label",
		Summary: "print or set the volume label",
		Usage:   "volumefs label <image> [new-label]",
		Examples: []cli.Example{
			{Description: "print the current label", Command: "volumefs label disk.img"},
			{Description: "set a new label", Command: "volumefs label disk.img BACKUP"},
		},
		Run: func(args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("usage: volumefs label <image> [new-label]")
			}

			ctx := context.Background()
			writable := len(args) == 2
			vol, cleanup, err := openVolume(ctx, args[0], writable, commandLogger("label"))
			if err != nil {
				return err
			}

			if writable {
				if err := vol.SetLabel(ctx, args[1]); err != nil {
					cleanup()
					return err
				}
				return cleanup()
			}

			defer cleanup()
			label, err := vol.Label(ctx)
			if err != nil {
				return err
			}
			fmt.Println(label)
			return nil
		},
	}
}

// sumCommand prints BLAKE3 digests of files inside an image.
func sumCommand() *cli.Command {
	var format string
	return &cli.Command{
		Name:    "sum",
		Summary: "print BLAKE3 digests of files",
		Usage:   "volumefs sum <image> <path>...",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sum", pflag.ContinueOnError)
			flagSet.StringVar(&format, "format", "text", "output format: text, yaml, or cbor")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("usage: volumefs sum <image> <path>...")
			}

			ctx := context.Background()
			vol, cleanup, err := openVolume(ctx, args[0], false, commandLogger("sum"))
			if err != nil {
				return err
			}
			defer cleanup()

			records := make([]sumRecord, 0, len(args)-1)
			for _, path := range args[1:] {
				data, err := vol.ReadFile(ctx, path)
				if err != nil {
					return err
				}
				digest := blake3.Sum256(data)
				records = append(records, sumRecord{
					Path:   path,
					Size:   uint64(len(data)),
					Blake3: hex.EncodeToString(digest[:]),
				})
			}

			return emit(format, func(w io.Writer) error {
				for _, record := range records {
					fmt.Fprintf(w, "%s  %s\n", record.Blake3, record.Path)
				}
				return nil
			}, records)
		},
	}
}
