// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockio bridges host-provided block I/O callbacks to the
// uniform sector addressing the filesystem drivers work in.
//
// The host supplies a read callback (and, for writable volumes, a
// write callback) operating in device blocks. A Device binds those
// callbacks to the logical sector size declared by a filesystem's
// boot sector and translates between the two units, handling all
// three size relationships: equal, logical sector larger than the
// device block, and logical sector smaller than the device block.
//
// SectorCache layers a small fixed-capacity write-back cache of
// logical sectors on top of a Device. Eviction is round-robin
// ("clock"), not true LRU — the working set of a single filesystem
// operation is small and bounded, so recency tracking buys nothing.
// Bulk transfers (whole-file reads and writes) bypass the cache via
// ReadSectors/WriteSectors; only directory and metadata sectors and
// final partial-sector fragments go through it.
package blockio
