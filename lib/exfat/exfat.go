// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exfat

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/volumefs/lib/blockio"
	"github.com/bureau-foundation/volumefs/lib/volume"
)

// FAT entry markers.
const (
	fatEOC  = 0xFFFFFFFF
	fatBad  = 0xFFFFFFF7
	fatFree = 0x00000000
)

// Directory entry type codes. Bit 7 is the in-use flag; clearing it
// marks an entry deleted without erasing it.
const (
	entryEOD    = 0x00
	entryBitmap = 0x81
	entryUpcase = 0x82
	entryLabel  = 0x83
	entryFile   = 0x85
	entryStream = 0xC0
	entryName   = 0xC1
)

// File attribute bits, shared with legacy FAT.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrDirectory = 0x10
	attrArchive   = 0x20
)

// Stream extension flag bits.
const (
	streamAllocPossible = 0x01
	streamNoFatChain    = 0x02
)

const (
	entrySize = 32

	// maxNameLength bounds file names so a full entry set (file +
	// stream + ceil(255/15) name entries = 19 entries, 608 bytes)
	// always fits inside one directory cluster.
	maxNameLength = 255
)

func init() {
	volume.Register(volume.FormatExFAT, func(ctx context.Context, dev *blockio.Device, opts volume.Options) (volume.Filesystem, error) {
		return Mount(ctx, dev, opts)
	})
}

// Volume is one mounted exFAT filesystem. It implements
// volume.Filesystem. A Volume is not safe for concurrent use.
type Volume struct {
	dev   *blockio.Device
	cache *blockio.SectorCache
	log   *slog.Logger

	readOnly bool

	bytesPerSector    uint32
	sectorsPerCluster uint32
	clusterCount      uint32
	fatOffset         uint32
	fatLength         uint32
	clusterHeapOffset uint32
	rootCluster       uint32
	volumeLength      uint64

	// Allocation bitmap, one bit per cluster starting at cluster 2,
	// held fully in memory between mount and unmount.
	bitmap        []byte
	bitmapCluster uint32

	label string
}

// Mount validates the boot sector of dev and returns a volume
// handle. It fails on any signature mismatch, on a non-zero byte in
// the MustBeZero region (which positively distinguishes exFAT from
// legacy FAT), on out-of-range size shifts, and on a missing
// allocation bitmap.
func Mount(ctx context.Context, dev *blockio.Device, opts volume.Options) (*Volume, error) {
	bootDev, err := dev.WithSectorSize(512)
	if err != nil {
		return nil, err
	}
	boot := make([]byte, 512)
	if err := bootDev.ReadSectors(ctx, 0, 1, boot); err != nil {
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}

	if string(boot[3:11]) != "EXFAT   " {
		return nil, fmt.Errorf("bad filesystem name in boot sector: %w", volume.ErrCorrupt)
	}
	if binary.LittleEndian.Uint16(boot[510:]) != 0xAA55 {
		return nil, fmt.Errorf("missing 0xAA55 boot signature: %w", volume.ErrCorrupt)
	}
	for i := 11; i < 11+53; i++ {
		if boot[i] != 0 {
			return nil, fmt.Errorf("MustBeZero region is not zero at byte %d: %w", i, volume.ErrCorrupt)
		}
	}
	sectorShift := boot[108]
	clusterShift := boot[109]
	if sectorShift < 9 || sectorShift > 12 {
		return nil, fmt.Errorf("bytes-per-sector shift %d out of range: %w", sectorShift, volume.ErrCorrupt)
	}
	if clusterShift > 25 {
		return nil, fmt.Errorf("sectors-per-cluster shift %d out of range: %w", clusterShift, volume.ErrCorrupt)
	}

	vol := &Volume{
		log:               opts.Logger,
		readOnly:          opts.ReadOnly || !dev.Writable(),
		bytesPerSector:    1 << sectorShift,
		sectorsPerCluster: 1 << clusterShift,
		clusterCount:      binary.LittleEndian.Uint32(boot[92:]),
		fatOffset:         binary.LittleEndian.Uint32(boot[80:]),
		fatLength:         binary.LittleEndian.Uint32(boot[84:]),
		clusterHeapOffset: binary.LittleEndian.Uint32(boot[88:]),
		rootCluster:       binary.LittleEndian.Uint32(boot[96:]),
		volumeLength:      binary.LittleEndian.Uint64(boot[72:]),
	}
	if vol.log == nil {
		vol.log = slog.New(slog.DiscardHandler)
	}
	if vol.rootCluster < 2 {
		return nil, fmt.Errorf("root cluster %d below first data cluster: %w", vol.rootCluster, volume.ErrCorrupt)
	}

	vol.dev, err = dev.WithSectorSize(vol.bytesPerSector)
	if err != nil {
		return nil, err
	}
	slots := opts.CacheSlots
	if slots <= 0 {
		slots = blockio.DefaultCacheSlots
	}
	vol.cache = blockio.NewSectorCache(vol.dev, slots)

	if err := vol.loadMetadata(ctx); err != nil {
		return nil, fmt.Errorf("loading volume metadata: %w", err)
	}

	vol.log.Debug("mounted exfat volume",
		"sector_size", vol.bytesPerSector,
		"cluster_size", vol.clusterSize(),
		"clusters", vol.clusterCount,
		"label", vol.label)
	return vol, nil
}

// loadMetadata scans the root directory for the allocation bitmap
// entry (required) and the volume label entry (optional), then loads
// the whole bitmap into memory.
func (v *Volume) loadMetadata(ctx context.Context) error {
	it, err := v.newDirIter(ctx, v.rootCluster, false, 0)
	if err != nil {
		return err
	}

	foundBitmap := false
	for {
		ent, err := it.entry(ctx)
		if err != nil {
			return err
		}
		if ent == nil || ent[0] == entryEOD {
			break
		}
		switch ent[0] {
		case entryBitmap:
			// Only the first bitmap (flags bit 0 clear); the second
			// exists only on TexFAT media.
			if ent[1]&1 == 0 {
				v.bitmapCluster = binary.LittleEndian.Uint32(ent[20:])
				v.bitmap = make([]byte, binary.LittleEndian.Uint64(ent[24:]))
				foundBitmap = true
			}
		case entryLabel:
			v.label = decodeLabel(ent)
		}
		if !it.next(ctx) {
			break
		}
	}
	if !foundBitmap {
		return fmt.Errorf("no allocation bitmap entry in root directory: %w", volume.ErrCorrupt)
	}
	return v.bitmapLoad(ctx)
}

func (v *Volume) clusterSize() uint32 {
	return v.sectorsPerCluster * v.bytesPerSector
}

// clusterToSector returns the first absolute sector of a data
// cluster. Cluster numbering starts at 2.
func (v *Volume) clusterToSector(cluster uint32) uint64 {
	return uint64(v.clusterHeapOffset) + uint64(cluster-2)*uint64(v.sectorsPerCluster)
}

// Info implements volume.Filesystem.
func (v *Volume) Info(ctx context.Context) (volume.Info, error) {
	free := uint32(0)
	for i := uint32(0); i < v.clusterCount; i++ {
		if !v.bitmapGet(i + 2) {
			free++
		}
	}
	clsz := v.clusterSize()
	return volume.Info{
		Format:      volume.FormatExFAT,
		TotalBytes:  uint64(v.clusterCount) * uint64(clsz),
		FreeBytes:   uint64(free) * uint64(clsz),
		ClusterSize: clsz,
	}, nil
}

// Label implements volume.Filesystem.
func (v *Volume) Label(ctx context.Context) (string, error) {
	return v.label, nil
}

// Unmount flushes the bitmap and every dirty cached sector, then
// releases the handle.
func (v *Volume) Unmount(ctx context.Context) error {
	if !v.readOnly {
		if err := v.bitmapFlush(ctx); err != nil {
			return fmt.Errorf("flushing allocation bitmap: %w", err)
		}
	}
	if err := v.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("flushing sector cache: %w", err)
	}
	v.bitmap = nil
	return nil
}
