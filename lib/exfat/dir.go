// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exfat

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/bureau-foundation/volumefs/lib/volume"
)

// dirIter walks a directory's 32-byte entries across its cluster
// chain, reading sectors through the cache. A dataLength of zero
// means "follow the chain to its end marker".
type dirIter struct {
	v          *Volume
	noFatChain bool
	dataLength uint64

	cluster         uint32
	sectorInCluster uint32
	entryInSector   uint32
	byteOffset      uint64

	done    bool
	failure error
}

func (v *Volume) newDirIter(ctx context.Context, cluster uint32, noFatChain bool, dataLength uint64) (*dirIter, error) {
	if cluster < 2 {
		return nil, fmt.Errorf("directory cluster %d below first data cluster: %w", cluster, volume.ErrCorrupt)
	}
	if noFatChain && dataLength == 0 {
		// A contiguous chain has no end marker; without a declared
		// length there is no way to know where it stops.
		return nil, fmt.Errorf("contiguous directory with no declared length: %w", volume.ErrCorrupt)
	}
	return &dirIter{v: v, noFatChain: noFatChain, dataLength: dataLength, cluster: cluster}, nil
}

// sector returns the absolute sector holding the current entry.
func (it *dirIter) sector() uint64 {
	return it.v.clusterToSector(it.cluster) + uint64(it.sectorInCluster)
}

// offsetInSector returns the current entry's byte offset within its
// sector.
func (it *dirIter) offsetInSector() uint32 {
	return it.entryInSector * entrySize
}

// indexInCluster returns the current entry's index within its
// cluster, used to keep new entry sets inside one cluster.
func (it *dirIter) indexInCluster() uint32 {
	return it.sectorInCluster*(it.v.bytesPerSector/entrySize) + it.entryInSector
}

// entry returns the current 32-byte entry, or nil at the end of the
// directory. The slice aliases a cache slot and is valid only until
// the next cache operation.
func (it *dirIter) entry(ctx context.Context) ([]byte, error) {
	if it.failure != nil {
		return nil, it.failure
	}
	if it.done {
		return nil, nil
	}
	if it.dataLength > 0 && it.byteOffset >= it.dataLength {
		return nil, nil
	}
	buf, err := it.v.cache.Read(ctx, it.sector())
	if err != nil {
		it.failure = fmt.Errorf("reading directory sector %d: %w", it.sector(), err)
		return nil, it.failure
	}
	off := it.offsetInSector()
	return buf[off : off+entrySize], nil
}

// next advances to the following entry. It returns false at the end
// of the directory or on error; the error surfaces through the next
// entry call.
func (it *dirIter) next(ctx context.Context) bool {
	if it.done || it.failure != nil {
		return false
	}
	entriesPerSector := it.v.bytesPerSector / entrySize

	it.entryInSector++
	it.byteOffset += entrySize

	if it.dataLength > 0 && it.byteOffset >= it.dataLength {
		it.done = true
		return false
	}
	if it.entryInSector < entriesPerSector {
		return true
	}
	it.entryInSector = 0
	it.sectorInCluster++
	if it.sectorInCluster < it.v.sectorsPerCluster {
		return true
	}
	it.sectorInCluster = 0

	// Remaining bytes counted from the start of the cluster just
	// finished, the convention nextCluster expects for bounding
	// contiguous chains.
	remaining := uint64(it.v.clusterSize()) + 1
	if it.dataLength > 0 {
		remaining = uint64(it.v.clusterSize()) + it.dataLength - it.byteOffset
	}
	next, err := it.v.nextCluster(ctx, it.cluster, it.noFatChain, remaining)
	if err != nil {
		it.failure = err
		return false
	}
	if next < 2 || next == fatEOC || next == fatBad {
		it.done = true
		return false
	}
	it.cluster = next
	return true
}

// entryInfo is one parsed file entry set plus the on-disk address of
// its first entry, kept so rename and delete can mark the set not in
// use later.
type entryInfo struct {
	attributes      uint16
	firstCluster    uint32
	dataLength      uint64
	validDataLength uint64
	streamFlags     byte
	name            string
	nameHash        uint16

	entrySector    uint64
	entryOffset    uint32
	secondaryCount byte
}

func (e *entryInfo) isDir() bool {
	return e.attributes&attrDirectory != 0
}

// parseEntrySet reads a full entry set (file + stream + names)
// starting at the iterator's current position and leaves the
// iterator on the set's last entry. A malformed set returns (nil,
// nil) so directory scans can skip it the way they skip any other
// unrecognized entry.
func (v *Volume) parseEntrySet(ctx context.Context, it *dirIter) (*entryInfo, error) {
	ent, err := it.entry(ctx)
	if err != nil {
		return nil, err
	}
	if ent == nil || ent[0] != entryFile {
		return nil, nil
	}

	info := &entryInfo{
		entrySector:    it.sector(),
		entryOffset:    it.offsetInSector(),
		secondaryCount: ent[1],
		attributes:     binary.LittleEndian.Uint16(ent[4:]),
	}
	if info.secondaryCount < 2 {
		// A valid set needs at least a stream and one name entry.
		return nil, nil
	}

	if !it.next(ctx) {
		return nil, it.failure
	}
	ent, err = it.entry(ctx)
	if err != nil {
		return nil, err
	}
	if ent == nil || ent[0] != entryStream {
		return nil, nil
	}
	info.streamFlags = ent[1]
	nameLength := int(ent[3])
	info.nameHash = binary.LittleEndian.Uint16(ent[4:])
	info.validDataLength = binary.LittleEndian.Uint64(ent[8:])
	info.firstCluster = binary.LittleEndian.Uint32(ent[20:])
	info.dataLength = binary.LittleEndian.Uint64(ent[24:])

	nameUnits := make([]uint16, 0, nameLength)
	nameEntries := int(info.secondaryCount) - 1
	for i := 0; i < nameEntries; i++ {
		if !it.next(ctx) {
			break
		}
		ent, err = it.entry(ctx)
		if err != nil {
			return nil, err
		}
		if ent == nil || ent[0] != entryName {
			break
		}
		for j := 0; j < 15 && len(nameUnits) < nameLength; j++ {
			nameUnits = append(nameUnits, binary.LittleEndian.Uint16(ent[2+2*j:]))
		}
	}
	info.name = string(utf16.Decode(nameUnits))
	return info, nil
}

// nameHash is exFAT's hash of the up-cased UTF-16 name,
// stored in the stream entry so lookups can reject non-matching sets
// cheaply. Up-casing here covers ASCII, matching the name comparison
// this driver performs.
func nameHash(units []uint16) uint16 {
	var hash uint16
	for _, u := range units {
		if u >= 'a' && u <= 'z' {
			u -= 'a' - 'A'
		}
		hash = (hash<<15 | hash>>1) + u&0xFF
		hash = (hash<<15 | hash>>1) + u>>8
	}
	return hash
}

// entrySetChecksum is exFAT's rotate-right accumulator
// over a whole entry set, skipping the checksum field itself (bytes
// 2-3 of the first entry).
func entrySetChecksum(set []byte) uint16 {
	var sum uint16
	for i, b := range set {
		if i == 2 || i == 3 {
			continue
		}
		sum = (sum<<15 | sum>>1) + uint16(b)
	}
	return sum
}

// encodeTimestamp packs a time into the exFAT on-disk format:
// bits 31-25 year since 1980, 24-21 month, 20-16 day, 15-11 hour,
// 10-5 minute, 4-0 seconds/2.
func encodeTimestamp(t time.Time) uint32 {
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	return uint32(year-1980)<<25 |
		uint32(t.Month())<<21 |
		uint32(t.Day())<<16 |
		uint32(t.Hour())<<11 |
		uint32(t.Minute())<<5 |
		uint32(t.Second())/2
}

// validateName rejects names a built entry set could not hold.
func validateName(name string) error {
	units := utf16.Encode([]rune(name))
	if len(units) == 0 {
		return fmt.Errorf("empty file name")
	}
	if len(units) > maxNameLength {
		return fmt.Errorf("file name %q exceeds %d characters", name, maxNameLength)
	}
	return nil
}

// buildEntrySet assembles a checksummed entry set for a new file or
// directory. streamFlags carries the allocation mode of the existing
// data chain; new data written by this driver always uses a FAT
// chain.
func buildEntrySet(name string, attributes uint16, streamFlags byte, firstCluster uint32, dataLength uint64, now time.Time) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	units := utf16.Encode([]rune(name))
	nameEntries := (len(units) + 14) / 15
	total := 2 + nameEntries
	set := make([]byte, total*entrySize)

	// File directory entry.
	set[0] = entryFile
	set[1] = byte(total - 1)
	binary.LittleEndian.PutUint16(set[4:], attributes)
	ts := encodeTimestamp(now)
	binary.LittleEndian.PutUint32(set[8:], ts)  // create
	binary.LittleEndian.PutUint32(set[12:], ts) // modify
	binary.LittleEndian.PutUint32(set[16:], ts) // access

	// Stream extension.
	stream := set[entrySize:]
	stream[0] = entryStream
	stream[1] = streamFlags
	stream[3] = byte(len(units))
	binary.LittleEndian.PutUint16(stream[4:], nameHash(units))
	binary.LittleEndian.PutUint64(stream[8:], dataLength) // valid data length
	binary.LittleEndian.PutUint32(stream[20:], firstCluster)
	binary.LittleEndian.PutUint64(stream[24:], dataLength)

	// Name fragment entries, 15 UTF-16 units each, zero padded.
	for i := 0; i < nameEntries; i++ {
		frag := set[(2+i)*entrySize:]
		frag[0] = entryName
		for j := 0; j < 15; j++ {
			idx := i*15 + j
			if idx >= len(units) {
				break
			}
			binary.LittleEndian.PutUint16(frag[2+2*j:], units[idx])
		}
	}

	binary.LittleEndian.PutUint16(set[2:], entrySetChecksum(set))
	return set, nil
}

// findFreeDirSlot locates the first run of count consecutive free
// slots in a directory, extending the directory with a fresh
// zeroed cluster when none exists. A returned run never crosses a
// cluster boundary, so the set can be written and later deleted with
// plain sector arithmetic.
func (v *Volume) findFreeDirSlot(ctx context.Context, dirCluster uint32, count int) (uint64, uint32, error) {
	it, err := v.newDirIter(ctx, dirCluster, false, 0)
	if err != nil {
		return 0, 0, err
	}
	entriesPerCluster := int(v.sectorsPerCluster * (v.bytesPerSector / entrySize))

	freeRun := 0
	var runSector uint64
	var runOffset uint32
	var runIndex int

	for {
		ent, err := it.entry(ctx)
		if err != nil {
			return 0, 0, err
		}
		if ent == nil {
			break
		}
		if it.indexInCluster() == 0 {
			// Entry sets never span clusters; restart the run at
			// each cluster boundary.
			freeRun = 0
		}
		switch {
		case ent[0] == entryEOD:
			if freeRun == 0 {
				runSector = it.sector()
				runOffset = it.offsetInSector()
				runIndex = int(it.indexInCluster())
			}
			// Everything from the end-of-directory marker onward is
			// free; the run is bounded only by the cluster edge.
			if entriesPerCluster-runIndex >= count {
				return runSector, runOffset, nil
			}
			// The tail cannot hold the set. End-of-directory slots
			// must not be left in front of the extension cluster or
			// every scan would stop here, so convert the tail to
			// not-in-use fillers before growing the chain.
			tail := entriesPerCluster - int(it.indexInCluster())
			if err := v.fillDeadSlots(ctx, it.sector(), it.offsetInSector(), tail); err != nil {
				return 0, 0, err
			}
			return v.extendDir(ctx, dirCluster)
		case ent[0]&0x80 == 0:
			// Deleted entry.
			if freeRun == 0 {
				runSector = it.sector()
				runOffset = it.offsetInSector()
				runIndex = int(it.indexInCluster())
			}
			freeRun++
			if freeRun >= count {
				return runSector, runOffset, nil
			}
		default:
			freeRun = 0
		}
		if !it.next(ctx) {
			if it.failure != nil {
				return 0, 0, it.failure
			}
			break
		}
	}
	return v.extendDir(ctx, dirCluster)
}

// fillDeadSlots overwrites end-of-directory slots with not-in-use
// filler entries (a file entry type with the in-use bit clear) so
// readers keep scanning past them into clusters appended later.
// Scans treat the fillers like any deleted entry, so the slots stay
// reusable.
func (v *Volume) fillDeadSlots(ctx context.Context, sector uint64, offset uint32, count int) error {
	for i := 0; i < count; i++ {
		buf, err := v.cache.Read(ctx, sector)
		if err != nil {
			return err
		}
		buf[offset] = entryFile &^ 0x80
		v.cache.MarkDirty(sector)
		offset += entrySize
		if offset >= v.bytesPerSector {
			offset = 0
			sector++
		}
	}
	return v.cache.FlushAll(ctx)
}

// extendDir appends a zeroed cluster to a directory's chain and
// returns the first slot of the new cluster.
func (v *Volume) extendDir(ctx context.Context, dirCluster uint32) (uint64, uint32, error) {
	last := dirCluster
	for {
		next, err := v.fatGet(ctx, last)
		if err != nil {
			return 0, 0, err
		}
		if next < 2 || next == fatEOC {
			break
		}
		last = next
	}
	newCl, err := v.allocClusterChain(ctx, last)
	if err != nil {
		return 0, 0, err
	}
	if err := v.zeroCluster(ctx, newCl); err != nil {
		return 0, 0, err
	}
	return v.clusterToSector(newCl), 0, nil
}

// writeEntrySet stores a built entry set at a slot previously
// returned by findFreeDirSlot. The slot never crosses a cluster
// boundary, so advancing sector by sector stays contiguous.
func (v *Volume) writeEntrySet(ctx context.Context, sector uint64, offset uint32, set []byte) error {
	for len(set) > 0 {
		buf, err := v.cache.Read(ctx, sector)
		if err != nil {
			return err
		}
		copy(buf[offset:offset+entrySize], set[:entrySize])
		v.cache.MarkDirty(sector)
		set = set[entrySize:]
		offset += entrySize
		if offset >= v.bytesPerSector {
			offset = 0
			sector++
		}
	}
	return v.cache.FlushAll(ctx)
}

// markEntrySetDeleted clears the in-use bit of every entry in a set.
// The entries are never physically erased.
func (v *Volume) markEntrySetDeleted(ctx context.Context, sector uint64, offset uint32, total int) error {
	for i := 0; i < total; i++ {
		buf, err := v.cache.Read(ctx, sector)
		if err != nil {
			return err
		}
		buf[offset] &= 0x7F
		v.cache.MarkDirty(sector)
		offset += entrySize
		if offset >= v.bytesPerSector {
			offset = 0
			sector++
		}
	}
	return v.cache.FlushAll(ctx)
}

// decodeLabel extracts the volume label from a 0x83 entry.
func decodeLabel(ent []byte) string {
	n := int(ent[1])
	if n > 11 {
		n = 11
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(ent[2+2*i:])
	}
	return string(utf16.Decode(units))
}
