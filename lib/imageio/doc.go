// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package imageio opens disk image files as block devices.
//
// Raw images are served directly from the file and may be opened for
// writing. Images with a .zst, .zstd or .lz4 extension are decompressed
// into memory on open and are always read-only: there is no way to
// write a single sector back into a compressed stream. An in-memory
// image can also be created from scratch, which the formatter and the
// tests use for self-contained round trips.
//
// Image.Device binds an image to a lib/blockio device so the
// filesystem drivers never learn where their sectors come from.
package imageio
