// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exfat

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/bureau-foundation/volumefs/lib/blockio"
)

// FormatOptions configures FormatVolume. TotalSectors is required;
// everything else has a usable default.
type FormatOptions struct {
	// TotalSectors is the volume length in logical sectors.
	TotalSectors uint64

	// SectorSize is the logical sector size in bytes, a power of two
	// between 512 and 4096. Default 512.
	SectorSize uint32

	// SectorsPerCluster is the cluster size in sectors, a power of
	// two. Default 8.
	SectorsPerCluster uint32

	// Label is the initial volume label, at most 11 characters.
	Label string
}

// Non-boot layout constants. The boot region (main + backup) spans
// sectors 0-23; the FAT begins right after it.
const (
	formatFATOffset   = 24
	formatMinClusters = 16
)

// FormatVolume writes a fresh exFAT filesystem to dev: boot regions
// with checksum sector, one FAT, the allocation bitmap, a minimal
// up-case table, and an empty root directory. The resulting volume
// mounts with Mount.
func FormatVolume(ctx context.Context, dev *blockio.Device, opts FormatOptions) error {
	if !dev.Writable() {
		return fmt.Errorf("cannot format a read-only device")
	}
	bps := opts.SectorSize
	if bps == 0 {
		bps = 512
	}
	if bps < 512 || bps > 4096 || bps&(bps-1) != 0 {
		return fmt.Errorf("sector size %d is not a power of two in [512, 4096]", bps)
	}
	spc := opts.SectorsPerCluster
	if spc == 0 {
		spc = 8
	}
	if spc&(spc-1) != 0 || spc > 1<<25 {
		return fmt.Errorf("sectors per cluster %d is not a valid power of two", spc)
	}
	labelUnits := utf16.Encode([]rune(opts.Label))
	if len(labelUnits) > 11 {
		return fmt.Errorf("volume label %q exceeds 11 characters", opts.Label)
	}

	// Size the FAT and cluster heap. The FAT holds one 32-bit entry
	// per cluster plus the two reserved entries; shrinking the
	// cluster count never grows the FAT, so one refinement pass is
	// enough.
	clsz := uint64(bps) * uint64(spc)
	if opts.TotalSectors <= formatFATOffset {
		return fmt.Errorf("volume of %d sectors is too small", opts.TotalSectors)
	}
	clusterCount := (opts.TotalSectors - formatFATOffset) / uint64(spc)
	fatLength := ((clusterCount+2)*4 + uint64(bps) - 1) / uint64(bps)
	heapOffset := formatFATOffset + fatLength
	if opts.TotalSectors <= heapOffset {
		return fmt.Errorf("volume of %d sectors is too small", opts.TotalSectors)
	}
	clusterCount = (opts.TotalSectors - heapOffset) / uint64(spc)
	if clusterCount < formatMinClusters {
		return fmt.Errorf("volume of %d sectors holds only %d clusters, need %d", opts.TotalSectors, clusterCount, formatMinClusters)
	}
	if clusterCount > 0xFFFFFFF5 {
		return fmt.Errorf("volume of %d sectors exceeds the exFAT cluster limit", opts.TotalSectors)
	}

	// Metadata cluster assignment, starting at the first data
	// cluster: allocation bitmap, up-case table, root directory.
	bitmapBytes := (clusterCount + 7) / 8
	bitmapClusters := uint32((bitmapBytes + clsz - 1) / clsz)
	upcase := upcaseTable()
	bitmapCluster := uint32(2)
	upcaseCluster := bitmapCluster + bitmapClusters
	rootCluster := upcaseCluster + 1
	usedClusters := rootCluster + 1 - 2
	if uint64(usedClusters) >= clusterCount {
		return fmt.Errorf("volume of %d sectors cannot hold its own metadata", opts.TotalSectors)
	}

	sdev, err := dev.WithSectorSize(bps)
	if err != nil {
		return err
	}

	// Boot sector.
	boot := make([]byte, bps)
	boot[0], boot[1], boot[2] = 0xEB, 0x76, 0x90
	copy(boot[3:], "EXFAT   ")
	binary.LittleEndian.PutUint64(boot[72:], opts.TotalSectors)
	binary.LittleEndian.PutUint32(boot[80:], formatFATOffset)
	binary.LittleEndian.PutUint32(boot[84:], uint32(fatLength))
	binary.LittleEndian.PutUint32(boot[88:], uint32(heapOffset))
	binary.LittleEndian.PutUint32(boot[92:], uint32(clusterCount))
	binary.LittleEndian.PutUint32(boot[96:], rootCluster)
	binary.LittleEndian.PutUint32(boot[100:], uint32(time.Now().Unix()))
	binary.LittleEndian.PutUint16(boot[104:], 0x0100)
	boot[108] = byte(log2(bps))
	boot[109] = byte(log2(spc))
	boot[110] = 1    // number of FATs
	boot[111] = 0x80 // drive select
	binary.LittleEndian.PutUint16(boot[510:], 0xAA55)

	// Main boot region: boot sector, eight extended boot sectors,
	// OEM parameters, reserved, checksum sector.
	region := make([][]byte, 12)
	region[0] = boot
	for i := 1; i <= 8; i++ {
		ext := make([]byte, bps)
		binary.LittleEndian.PutUint32(ext[bps-4:], 0xAA550000)
		region[i] = ext
	}
	region[9] = make([]byte, bps)
	region[10] = make([]byte, bps)
	region[11] = bootChecksumSector(region[:11], bps)

	// Write main region and its backup at sector 12.
	for i, sec := range region {
		if err := sdev.WriteSectors(ctx, uint64(i), 1, sec); err != nil {
			return fmt.Errorf("writing boot region: %w", err)
		}
		if err := sdev.WriteSectors(ctx, uint64(12+i), 1, sec); err != nil {
			return fmt.Errorf("writing backup boot region: %w", err)
		}
	}

	// FAT: two reserved entries, then chains for the metadata. Data
	// cluster chains appear as files are written.
	fat := make([]byte, fatLength*uint64(bps))
	binary.LittleEndian.PutUint32(fat[0:], 0xFFFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:], 0xFFFFFFFF)
	for cl := bitmapCluster; cl < bitmapCluster+bitmapClusters; cl++ {
		next := uint32(fatEOC)
		if cl+1 < bitmapCluster+bitmapClusters {
			next = cl + 1
		}
		binary.LittleEndian.PutUint32(fat[cl*4:], next)
	}
	binary.LittleEndian.PutUint32(fat[upcaseCluster*4:], fatEOC)
	binary.LittleEndian.PutUint32(fat[rootCluster*4:], fatEOC)
	if err := writeSpan(ctx, sdev, formatFATOffset, fat, bps); err != nil {
		return fmt.Errorf("writing FAT: %w", err)
	}

	// Allocation bitmap with the metadata clusters marked used.
	bitmap := make([]byte, bitmapClusters*uint32(clsz))
	for cl := uint32(2); cl < 2+usedClusters; cl++ {
		idx := cl - 2
		bitmap[idx/8] |= 1 << (idx % 8)
	}
	heapSector := func(cl uint32) uint64 {
		return heapOffset + uint64(cl-2)*uint64(spc)
	}
	if err := writeSpan(ctx, sdev, heapSector(bitmapCluster), bitmap, bps); err != nil {
		return fmt.Errorf("writing allocation bitmap: %w", err)
	}

	// Up-case table cluster.
	upcaseData := make([]byte, clsz)
	copy(upcaseData, upcase)
	if err := writeSpan(ctx, sdev, heapSector(upcaseCluster), upcaseData, bps); err != nil {
		return fmt.Errorf("writing up-case table: %w", err)
	}

	// Root directory: label (when set), bitmap, and up-case entries.
	root := make([]byte, clsz)
	slot := 0
	if len(labelUnits) > 0 {
		ent := root[slot*entrySize:]
		ent[0] = entryLabel
		ent[1] = byte(len(labelUnits))
		for i, u := range labelUnits {
			binary.LittleEndian.PutUint16(ent[2+2*i:], u)
		}
		slot++
	}
	ent := root[slot*entrySize:]
	ent[0] = entryBitmap
	binary.LittleEndian.PutUint32(ent[20:], bitmapCluster)
	binary.LittleEndian.PutUint64(ent[24:], bitmapBytes)
	slot++
	ent = root[slot*entrySize:]
	ent[0] = entryUpcase
	binary.LittleEndian.PutUint32(ent[4:], upcaseChecksum(upcase))
	binary.LittleEndian.PutUint32(ent[20:], upcaseCluster)
	binary.LittleEndian.PutUint64(ent[24:], uint64(len(upcase)))
	if err := writeSpan(ctx, sdev, heapSector(rootCluster), root, bps); err != nil {
		return fmt.Errorf("writing root directory: %w", err)
	}
	return nil
}

func log2(v uint32) int {
	n := 0
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// writeSpan writes a whole-sector-multiple buffer starting at a
// sector.
func writeSpan(ctx context.Context, dev *blockio.Device, sector uint64, data []byte, bps uint32) error {
	return dev.WriteSectors(ctx, sector, uint32(len(data))/bps, data)
}

// upcaseTable returns a minimal up-case table covering the ASCII
// range: identity for every code point except the lowercase letters.
// This driver compares names case-insensitively in memory and never
// consults the on-disk table; it is written for other
// implementations mounting the volume.
func upcaseTable() []byte {
	table := make([]byte, 128*2)
	for i := 0; i < 128; i++ {
		u := uint16(i)
		if u >= 'a' && u <= 'z' {
			u -= 'a' - 'A'
		}
		binary.LittleEndian.PutUint16(table[i*2:], u)
	}
	return table
}

// upcaseChecksum is exFAT's 32-bit rotate-right
// accumulator over the up-case table bytes.
func upcaseChecksum(table []byte) uint32 {
	var sum uint32
	for _, b := range table {
		sum = (sum<<31 | sum>>1) + uint32(b)
	}
	return sum
}

// bootChecksumSector builds the boot-region checksum sector: the
// 32-bit rotate-right checksum of sectors 0-10, skipping the
// volume-flags and percent-in-use bytes of sector 0, repeated across
// the whole sector.
func bootChecksumSector(region [][]byte, bps uint32) []byte {
	var sum uint32
	for si, sec := range region {
		for i, b := range sec {
			if si == 0 && (i == 106 || i == 107 || i == 112) {
				continue
			}
			sum = (sum<<31 | sum>>1) + uint32(b)
		}
	}
	out := make([]byte, bps)
	for i := uint32(0); i < bps; i += 4 {
		binary.LittleEndian.PutUint32(out[i:], sum)
	}
	return out
}
