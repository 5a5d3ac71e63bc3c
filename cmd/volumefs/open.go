// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/volumefs/cmd/volumefs/cli"
	"github.com/bureau-foundation/volumefs/lib/imageio"
	"github.com/bureau-foundation/volumefs/lib/volume"

	// Register the filesystem drivers with lib/volume.
	_ "github.com/bureau-foundation/volumefs/lib/exfat"
	_ "github.com/bureau-foundation/volumefs/lib/ntfs"
)

// openVolume opens the image at path and mounts whatever filesystem
// it carries. The returned cleanup unmounts the volume (flushing any
// dirty sectors) and closes the image; commands must call it on every
// exit path after a successful open.
func openVolume(ctx context.Context, path string, writable bool, logger *slog.Logger) (volume.Filesystem, func() error, error) {
	img, err := imageio.Open(path, writable)
	if err != nil {
		return nil, nil, err
	}

	dev, err := img.Device(imageio.DefaultBlockSize)
	if err != nil {
		img.Close()
		return nil, nil, err
	}

	vol, err := volume.Mount(ctx, dev, volume.Options{Logger: logger})
	if err != nil {
		img.Close()
		return nil, nil, fmt.Errorf("mount %s: %w", path, err)
	}

	cleanup := func() error {
		if err := vol.Unmount(ctx); err != nil {
			img.Close()
			return fmt.Errorf("unmount %s: %w", path, err)
		}
		return img.Close()
	}
	return vol, cleanup, nil
}

// commandLogger builds the scoped logger for a subcommand.
func commandLogger(command string) *slog.Logger {
	return cli.NewLogger().With("command", command)
}
