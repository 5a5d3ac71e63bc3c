// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ntfs implements a read-only NTFS driver over a
// blockio.Device. Importing the package registers the driver with
// lib/volume, so volume.Mount dispatches here when the boot sector
// carries the "NTFS    " OEM identifier.
//
// The driver resolves paths through the $I30 directory index (both
// the resident INDEX_ROOT and non-resident INDEX_ALLOCATION blocks),
// applies and verifies update-sequence fixups on every multi-sector
// structure, and follows $ATTRIBUTE_LIST indirection for files whose
// attributes spill into extension MFT records. Sparse data runs read
// as zeros. Every mutating method of volume.Filesystem returns an
// error wrapping volume.ErrReadOnly.
package ntfs
