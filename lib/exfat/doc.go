// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package exfat implements a read/write exFAT driver over the
// callback block I/O in lib/blockio. It registers itself with
// lib/volume, so mounting normally goes through volume.Mount; Mount
// here is exported for callers that have already probed the format.
//
// The driver follows the published exFAT layout: a boot sector with
// power-of-two size shifts, a FAT holding 32-bit cluster chains, an
// allocation bitmap loaded fully into memory at mount, and
// directories made of 32-byte entries grouped into checksummed entry
// sets (file + stream extension + name fragments). Writes use a
// delete-and-recreate strategy: the old entry set is marked not in
// use, data clusters are freed, and a fresh set is inserted into the
// first sufficient run of free slots. Entry sets written by this
// driver never cross a directory-cluster boundary; file names are
// limited to 255 characters, which keeps every set within one
// cluster at all supported cluster sizes.
//
// FormatVolume initializes new exFAT media and is the counterpart
// used by the image tooling and the tests.
package exfat
