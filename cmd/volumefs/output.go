// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/volumefs/lib/codec"
)

// Output record types for --format yaml|cbor. Field names are the
// stable machine-readable contract; the text renderings are free to
// change.

type entryRecord struct {
	Name  string `json:"name" yaml:"name"`
	Size  uint64 `json:"size" yaml:"size"`
	IsDir bool   `json:"dir" yaml:"dir"`
}

type infoRecord struct {
	Format      string `json:"format" yaml:"format"`
	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
	TotalBytes  uint64 `json:"total_bytes" yaml:"total_bytes"`
	FreeBytes   uint64 `json:"free_bytes" yaml:"free_bytes"`
	ClusterSize uint32 `json:"cluster_size" yaml:"cluster_size"`
}

type sumRecord struct {
	Path   string `json:"path" yaml:"path"`
	Size   uint64 `json:"size" yaml:"size"`
	Blake3 string `json:"blake3" yaml:"blake3"`
}

// emit renders value to stdout in the requested format. The text
// function writes the human rendering; yaml and cbor encode the
// record types directly.
func emit(format string, text func(w io.Writer) error, value any) error {
	switch format {
	case "text":
		return text(os.Stdout)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		defer encoder.Close()
		return encoder.Encode(value)
	case "cbor":
		return codec.NewEncoder(os.Stdout).Encode(value)
	default:
		return fmt.Errorf("unknown output format %q (want text, yaml, or cbor)", format)
	}
}
