// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package volume defines the filesystem-neutral surface shared by the
// on-disk filesystem drivers: the Filesystem interface, directory
// entry and volume metadata types, the error taxonomy, and format
// probing and mount dispatch.
//
// Drivers (lib/exfat, lib/ntfs) register themselves with Register,
// usually from an init function, and Mount probes the boot region of
// a device and hands off to the matching driver. A format that probes
// successfully but has no registered driver (FAT32 media, for
// example) mounts with an error wrapping ErrUnsupported, so callers
// can distinguish "unknown media" from "recognized but unhandled".
//
// All paths exchanged with drivers are forward-slash separated and
// rooted at the volume root ("/" or "" both name the root directory).
// Lookups are case-insensitive on both supported formats; the case
// stored on disk is preserved and returned by ReadDir.
package volume
