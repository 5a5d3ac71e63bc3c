// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// entryRecord mirrors the CLI's directory listing output record.
type entryRecord struct {
	Name  string `json:"name"`
	Size  uint64 `json:"size,omitempty"`
	IsDir bool   `json:"dir,omitempty"`
}

type infoRecord struct {
	Format      string `json:"format"`
	TotalBytes  uint64 `json:"total_bytes"`
	FreeBytes   uint64 `json:"free_bytes"`
	ClusterSize uint32 `json:"cluster_size"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := infoRecord{
		Format:      "exfat",
		TotalBytes:  16 << 20,
		FreeBytes:   15 << 20,
		ClusterSize: 4096,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded infoRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	record := entryRecord{Name: "hello.txt", Size: 42}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(record)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestEncoderDecoderStreamRoundtrip(t *testing.T) {
	records := []entryRecord{
		{Name: "docs", IsDir: true},
		{Name: "hello.txt", Size: 11},
		{Name: "zero.bin"},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range records {
		var got entryRecord
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode record %d: %v", i, err)
		}
		if got != want {
			t.Errorf("record %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestOmitemptyRespected(t *testing.T) {
	withSize := entryRecord{Name: "a", Size: 1}
	withoutSize := entryRecord{Name: "a"}

	dataWith, err := Marshal(withSize)
	if err != nil {
		t.Fatal(err)
	}
	dataWithout, err := Marshal(withoutSize)
	if err != nil {
		t.Fatal(err)
	}

	// The encoding without the size field should be shorter because
	// the omitted field is not present.
	if len(dataWithout) >= len(dataWith) {
		t.Errorf("omitempty not effective: without=%d bytes, with=%d bytes",
			len(dataWithout), len(dataWith))
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var record entryRecord
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &record); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"format": "ntfs"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(notation, "ntfs") {
		t.Errorf("diagnostic notation %q does not mention the value", notation)
	}
}
