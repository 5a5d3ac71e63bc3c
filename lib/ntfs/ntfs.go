// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/volumefs/lib/blockio"
	"github.com/bureau-foundation/volumefs/lib/volume"
)

// MFT attribute type codes.
const (
	attrStandardInfo  = 0x10
	attrAttributeList = 0x20
	attrFileName      = 0x30
	attrVolumeName    = 0x60
	attrData          = 0x80
	attrIndexRoot     = 0x90
	attrIndexAlloc    = 0xA0
	attrBitmap        = 0xB0
	attrEnd           = 0xFFFFFFFF
)

// Well-known MFT record numbers, fixed by the format.
const (
	recordMFT    = 0
	recordVolume = 3
	recordRoot   = 5
	recordBitmap = 6
)

// MFT record header flags.
const (
	mftFlagInUse     = 0x0001
	mftFlagDirectory = 0x0002
)

// $FILE_NAME namespaces. DOS short names are shadows of a Win32 name
// for the same record and lose to it during listing.
const (
	nsPOSIX    = 0
	nsWin32    = 1
	nsDOS      = 2
	nsWin32DOS = 3
)

// Index entry flags.
const (
	indexEntrySubnode = 0x01
	indexEntryLast    = 0x02
)

// Directory bit in the $FILE_NAME flags field.
const fileAttrDirectory = 0x10000000

// Sanity bounds for the two sizes the boot sector encodes with the
// signed cluster-count scheme. Real volumes use 1 KiB records and
// 4 KiB index blocks.
const (
	maxRecordSize     = 64 * 1024
	maxIndexBlockSize = 64 * 1024
)

// mftRefMask extracts the record number from a 64-bit MFT reference;
// the top 16 bits are a reuse sequence counter.
const mftRefMask = 0x0000FFFFFFFFFFFF

func init() {
	volume.Register(volume.FormatNTFS, func(ctx context.Context, dev *blockio.Device, opts volume.Options) (volume.Filesystem, error) {
		return Mount(ctx, dev, opts)
	})
}

// Volume is one mounted NTFS filesystem. It implements
// volume.Filesystem; all mutating methods fail with
// volume.ErrReadOnly. A Volume is not safe for concurrent use.
type Volume struct {
	dev   *blockio.Device
	cache *blockio.SectorCache
	log   *slog.Logger

	bytesPerSector    uint32
	sectorsPerCluster uint32
	bytesPerCluster   uint32
	totalSectors      uint64
	totalClusters     uint64
	recordSize        uint32
	indexBlockSize    uint32
	mftCluster        uint64

	// Extents of the $MFT $DATA attribute, sorted by VCN. Every
	// record lookup maps through these, so they are decoded once at
	// mount (merging extension records when $MFT itself carries an
	// attribute list).
	mftExtents []extent

	label string
}

// Mount parses the boot sector of dev, bootstraps the $MFT extent
// map from record zero, and returns a read-only volume handle.
func Mount(ctx context.Context, dev *blockio.Device, opts volume.Options) (*Volume, error) {
	bootDev, err := dev.WithSectorSize(512)
	if err != nil {
		return nil, err
	}
	boot := make([]byte, 512)
	if err := bootDev.ReadSectors(ctx, 0, 1, boot); err != nil {
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}

	if string(boot[3:11]) != "NTFS    " {
		return nil, fmt.Errorf("bad OEM identifier in boot sector: %w", volume.ErrCorrupt)
	}

	vol := &Volume{
		log:               opts.Logger,
		bytesPerSector:    uint32(binary.LittleEndian.Uint16(boot[11:])),
		sectorsPerCluster: uint32(boot[13]),
		totalSectors:      binary.LittleEndian.Uint64(boot[40:]),
		mftCluster:        binary.LittleEndian.Uint64(boot[48:]),
	}
	if vol.log == nil {
		vol.log = slog.New(slog.DiscardHandler)
	}

	if vol.bytesPerSector < 512 || vol.bytesPerSector > 4096 ||
		vol.bytesPerSector&(vol.bytesPerSector-1) != 0 {
		return nil, fmt.Errorf("bytes per sector %d out of range: %w", vol.bytesPerSector, volume.ErrCorrupt)
	}
	if vol.sectorsPerCluster == 0 {
		return nil, fmt.Errorf("zero sectors per cluster: %w", volume.ErrCorrupt)
	}
	vol.bytesPerCluster = vol.bytesPerSector * vol.sectorsPerCluster
	vol.totalClusters = vol.totalSectors / uint64(vol.sectorsPerCluster)

	vol.recordSize = decodeSizeField(int8(boot[64]), vol.bytesPerCluster)
	vol.indexBlockSize = decodeSizeField(int8(boot[68]), vol.bytesPerCluster)
	if vol.recordSize == 0 || vol.recordSize > maxRecordSize {
		return nil, fmt.Errorf("MFT record size %d out of range: %w", vol.recordSize, volume.ErrCorrupt)
	}
	if vol.indexBlockSize == 0 || vol.indexBlockSize > maxIndexBlockSize {
		return nil, fmt.Errorf("index block size %d out of range: %w", vol.indexBlockSize, volume.ErrCorrupt)
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

	if err := vol.loadMFTExtents(ctx); err != nil {
		return nil, fmt.Errorf("loading $MFT extent map: %w", err)
	}
	if err := vol.loadLabel(ctx); err != nil {
		// A damaged $Volume record costs the label, nothing else.
		vol.log.Warn("reading volume label", "error", err)
	}

	vol.log.Debug("mounted ntfs volume",
		"sector_size", vol.bytesPerSector,
		"cluster_size", vol.bytesPerCluster,
		"record_size", vol.recordSize,
		"clusters", vol.totalClusters,
		"label", vol.label)
	return vol, nil
}

// decodeSizeField interprets the boot sector's signed size encoding:
// positive values count clusters, negative values n mean 2^(-n)
// bytes.
func decodeSizeField(v int8, bytesPerCluster uint32) uint32 {
	if v > 0 {
		return uint32(v) * bytesPerCluster
	}
	if v < -31 {
		return 0
	}
	return 1 << uint(-v)
}

// loadMFTExtents reads $MFT record zero straight from the cluster the
// boot sector names and decodes its $DATA runs. When the record also
// carries an $ATTRIBUTE_LIST (very large volumes fragment $MFT across
// extension records), the extension runs are merged in by VCN.
func (v *Volume) loadMFTExtents(ctx context.Context) error {
	rec := make([]byte, v.recordSize)
	if err := v.readBytes(ctx, v.mftCluster*uint64(v.bytesPerCluster), rec); err != nil {
		return err
	}
	if string(rec[0:4]) != "FILE" {
		return fmt.Errorf("$MFT record has no FILE signature: %w", volume.ErrCorrupt)
	}
	if err := applyFixup(rec, v.bytesPerSector); err != nil {
		return err
	}

	dataAttr := findUnnamedAttr(rec, attrData)
	if dataAttr == nil {
		return fmt.Errorf("$MFT has no unnamed $DATA attribute: %w", volume.ErrCorrupt)
	}
	if dataAttr[8] == 0 {
		return fmt.Errorf("$MFT $DATA attribute is resident: %w", volume.ErrCorrupt)
	}
	extents, err := attrRuns(dataAttr)
	if err != nil {
		return err
	}
	v.mftExtents = extents

	// Bootstrap order matters: the base extents must be installed
	// before readRecord can reach any extension record named by the
	// attribute list.
	alAttr := findAttrAny(rec, attrAttributeList)
	if alAttr == nil {
		return nil
	}
	alData, err := v.attrData(ctx, alAttr)
	if err != nil {
		return err
	}
	extra, err := v.attrListExtents(ctx, alData, attrData, recordMFT)
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		v.mftExtents = mergeExtents(v.mftExtents, extra)
	}
	return nil
}

// loadLabel reads the $VOLUME_NAME attribute of the $Volume record.
func (v *Volume) loadLabel(ctx context.Context) error {
	rec, err := v.readRecord(ctx, recordVolume)
	if err != nil {
		return err
	}
	vn := findAttrAny(rec, attrVolumeName)
	if vn == nil || vn[8] != 0 {
		return nil
	}
	valLen := binary.LittleEndian.Uint32(vn[16:])
	valOff := binary.LittleEndian.Uint16(vn[20:])
	if uint32(valOff)+valLen > uint32(len(vn)) {
		return fmt.Errorf("volume name value overruns attribute: %w", volume.ErrCorrupt)
	}
	v.label = decodeUTF16(vn[valOff : uint32(valOff)+valLen])
	return nil
}

// readBytes reads an arbitrary byte range from the device. Unaligned
// head and tail sectors go through the cache; the aligned middle is a
// single raw multi-sector read.
func (v *Volume) readBytes(ctx context.Context, off uint64, buf []byte) error {
	ss := uint64(v.bytesPerSector)
	pos := uint64(0)
	n := uint64(len(buf))
	for pos < n {
		sector := (off + pos) / ss
		within := (off + pos) % ss
		if within == 0 && n-pos >= ss {
			count := (n - pos) / ss
			if err := v.dev.ReadSectors(ctx, sector, uint32(count), buf[pos:pos+count*ss]); err != nil {
				return err
			}
			pos += count * ss
			continue
		}
		sec, err := v.cache.Read(ctx, sector)
		if err != nil {
			return err
		}
		chunk := ss - within
		if chunk > n-pos {
			chunk = n - pos
		}
		copy(buf[pos:pos+chunk], sec[within:within+chunk])
		pos += chunk
	}
	return nil
}

// readRecord reads and fixup-verifies one MFT record by number,
// mapping its byte range through the $MFT extents. Records may span
// cluster (and extent) boundaries.
func (v *Volume) readRecord(ctx context.Context, recordNum uint64) ([]byte, error) {
	rec := make([]byte, v.recordSize)
	byteOff := recordNum * uint64(v.recordSize)
	bpc := uint64(v.bytesPerCluster)

	pos := uint64(0)
	for pos < uint64(v.recordSize) {
		vcn := (byteOff + pos) / bpc
		within := (byteOff + pos) % bpc
		ext, ok := findExtent(v.mftExtents, vcn)
		if !ok {
			return nil, fmt.Errorf("MFT record %d beyond $MFT extents: %w", recordNum, volume.ErrCorrupt)
		}
		if ext.sparse {
			return nil, fmt.Errorf("MFT record %d falls in a sparse $MFT run: %w", recordNum, volume.ErrCorrupt)
		}
		diskByte := (ext.lcn+(vcn-ext.vcn))*bpc + within
		chunk := bpc - within
		if chunk > uint64(v.recordSize)-pos {
			chunk = uint64(v.recordSize) - pos
		}
		if err := v.readBytes(ctx, diskByte, rec[pos:pos+chunk]); err != nil {
			return nil, err
		}
		pos += chunk
	}

	if string(rec[0:4]) != "FILE" {
		return nil, fmt.Errorf("MFT record %d has no FILE signature: %w", recordNum, volume.ErrCorrupt)
	}
	if err := applyFixup(rec, v.bytesPerSector); err != nil {
		return nil, fmt.Errorf("MFT record %d: %w", recordNum, err)
	}
	return rec, nil
}

// Info implements volume.Filesystem. Free space comes from a popcount
// over the $Bitmap record's $DATA, read in chunks so large volumes do
// not pull the whole cluster bitmap into memory at once.
func (v *Volume) Info(ctx context.Context) (volume.Info, error) {
	info := volume.Info{
		Format:      volume.FormatNTFS,
		TotalBytes:  v.totalSectors * uint64(v.bytesPerSector),
		ClusterSize: v.bytesPerCluster,
	}
	free, err := v.countFreeClusters(ctx)
	if err != nil {
		return volume.Info{}, fmt.Errorf("reading $Bitmap: %w", err)
	}
	info.FreeBytes = free * uint64(v.bytesPerCluster)
	return info, nil
}

func (v *Volume) countFreeClusters(ctx context.Context) (uint64, error) {
	rec, err := v.readRecord(ctx, recordBitmap)
	if err != nil {
		return 0, err
	}
	bm := findUnnamedAttr(rec, attrData)
	if bm == nil {
		return 0, fmt.Errorf("$Bitmap has no $DATA attribute: %w", volume.ErrCorrupt)
	}

	var free, bit uint64
	count := func(chunk []byte) {
		for _, b := range chunk {
			for i := 0; i < 8 && bit < v.totalClusters; i++ {
				if b&(1<<i) == 0 {
					free++
				}
				bit++
			}
			if bit >= v.totalClusters {
				return
			}
		}
	}

	if bm[8] == 0 {
		data, err := v.attrData(ctx, bm)
		if err != nil {
			return 0, err
		}
		count(data)
		return free, nil
	}

	extents, err := attrRuns(bm)
	if err != nil {
		return 0, err
	}
	bpc := uint64(v.bytesPerCluster)
	chunk := make([]byte, 64*1024)
	for _, e := range extents {
		if bit >= v.totalClusters {
			break
		}
		if e.sparse {
			// Sparse bitmap run: those clusters are unallocated.
			bits := e.length * bpc * 8
			if bit+bits > v.totalClusters {
				bits = v.totalClusters - bit
			}
			free += bits
			bit += bits
			continue
		}
		remaining := e.length * bpc
		diskByte := e.lcn * bpc
		for remaining > 0 && bit < v.totalClusters {
			n := uint64(len(chunk))
			if remaining < n {
				n = remaining
			}
			if err := v.readBytes(ctx, diskByte, chunk[:n]); err != nil {
				return 0, err
			}
			count(chunk[:n])
			diskByte += n
			remaining -= n
		}
	}
	return free, nil
}

// Label implements volume.Filesystem.
func (v *Volume) Label(ctx context.Context) (string, error) {
	return v.label, nil
}

// Unmount implements volume.Filesystem. The driver never dirties the
// cache, so this only drops it.
func (v *Volume) Unmount(ctx context.Context) error {
	if err := v.cache.InvalidateAll(ctx); err != nil {
		return err
	}
	v.mftExtents = nil
	return nil
}
