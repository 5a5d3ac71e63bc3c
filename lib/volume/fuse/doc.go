// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse exposes a mounted volume through the kernel as a
// read-only FUSE filesystem.
//
// The bridge is deliberately thin: directory nodes answer Lookup and
// Readdir straight from the volume driver, and file nodes load their
// content once on first open and serve reads from memory. Volumes
// handled here are disk images of at most a few gigabytes, so whole
// file buffering is a simpler and faster tradeoff than per-read
// cluster traversal. Writes through the mount are refused with EROFS
// even when the underlying volume handle is writable.
package fuse
