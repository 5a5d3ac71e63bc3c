// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/volumefs/cmd/volumefs/cli"
	"github.com/bureau-foundation/volumefs/lib/exfat"
	"github.com/bureau-foundation/volumefs/lib/imageio"
	volumefuse "github.com/bureau-foundation/volumefs/lib/volume/fuse"
)

// mkfsCommand creates a fresh exFAT image.
func mkfsCommand() *cli.Command {
	var sizeMiB uint64
	var label string
	var sectorsPerCluster uint32
	return &cli.Command{
		Name:    "mkfs",
		Summary: "create a blank exFAT image",
		Usage:   "volumefs mkfs <image> [flags]",
		Examples: []cli.Example{
			{Description: "a 256 MiB labeled volume", Command: "volumefs mkfs disk.img --size 256 --label SCRATCH"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mkfs", pflag.ContinueOnError)
			flagSet.Uint64Var(&sizeMiB, "size", 64, "image size in MiB")
			flagSet.StringVar(&label, "label", "", "volume label (at most 11 characters)")
			flagSet.Uint32Var(&sectorsPerCluster, "sectors-per-cluster", 0, "cluster size in sectors (0 = default)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: volumefs mkfs <image> [flags]")
			}

			logger := commandLogger("mkfs").With("image", args[0])
			ctx := context.Background()

			img, err := imageio.Create(args[0], int64(sizeMiB)<<20)
			if err != nil {
				return err
			}
			dev, err := img.Device(imageio.DefaultBlockSize)
			if err != nil {
				img.Close()
				return err
			}

			err = exfat.FormatVolume(ctx, dev, exfat.FormatOptions{
				TotalSectors:      (sizeMiB << 20) / imageio.DefaultBlockSize,
				SectorsPerCluster: sectorsPerCluster,
				Label:             label,
			})
			if err != nil {
				img.Close()
				return fmt.Errorf("format %s: %w", args[0], err)
			}
			if err := img.Close(); err != nil {
				return err
			}

			logger.Info("volume formatted", "size_mib", sizeMiB, "label", label)
			return nil
		},
	}
}

// mountCommand exposes an image read-only through FUSE until
// interrupted.
func mountCommand() *cli.Command {
	var allowOther bool
	return &cli.Command{
		Name:    "mount",
		Summary: "expose an image read-only through FUSE",
		Usage:   "volumefs mount <image> <mountpoint>",
		Examples: []cli.Example{
			{Description: "browse an NTFS image", Command: "volumefs mount backup.img.zst /mnt/backup"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mount", pflag.ContinueOnError)
			flagSet.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: volumefs mount <image> <mountpoint>")
			}

			logger := commandLogger("mount").With("image", args[0])
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			vol, cleanup, err := openVolume(ctx, args[0], false, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			server, err := volumefuse.Mount(volumefuse.Options{
				Mountpoint: args[1],
				Volume:     vol,
				AllowOther: allowOther,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			logger.Info("mounted, press ctrl-c to unmount", "mountpoint", args[1])
			<-ctx.Done()

			if err := server.Unmount(); err != nil {
				return fmt.Errorf("unmount %s: %w", args[1], err)
			}
			return nil
		},
	}
}
