// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration.
//
// The CLI's --format cbor output and any on-disk records encode
// through this package so that every caller encodes identically
// without duplicating configuration. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Same logical data
// always produces identical bytes, which keeps machine-readable CLI
// output diffable and scriptable.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
//
// Output record types carry `json` struct tags; fxamacker/cbor v2
// reads them as fallback when `cbor` tags are absent, so one tag
// controls field naming and omitempty for both CBOR and any future
// JSON surface.
package codec
