// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/bureau-foundation/volumefs/lib/volume"
)

// applyFixup verifies and undoes the update sequence protection on a
// multi-sector structure (MFT record or INDX block). The last two
// bytes of every sector must equal the update sequence value stored
// in the array header; each is replaced with the original bytes saved
// in the array. A mismatch means the structure was torn by an
// interrupted write.
func applyFixup(buf []byte, sectorSize uint32) error {
	if len(buf) < 8 {
		return fmt.Errorf("fixup buffer too small: %w", volume.ErrCorrupt)
	}
	usaOff := binary.LittleEndian.Uint16(buf[4:])
	usaCount := binary.LittleEndian.Uint16(buf[6:])
	if usaCount < 2 {
		return nil
	}
	if int(usaOff)+int(usaCount)*2 > len(buf) {
		return fmt.Errorf("update sequence array overruns structure: %w", volume.ErrCorrupt)
	}
	if int(usaCount-1) != len(buf)/int(sectorSize) {
		return fmt.Errorf("update sequence count %d does not cover %d bytes: %w",
			usaCount, len(buf), volume.ErrCorrupt)
	}

	usv := binary.LittleEndian.Uint16(buf[usaOff:])
	for i := 0; i < int(usaCount)-1; i++ {
		end := (i + 1) * int(sectorSize)
		if binary.LittleEndian.Uint16(buf[end-2:]) != usv {
			return fmt.Errorf("update sequence mismatch in sector %d: %w", i, volume.ErrCorrupt)
		}
		saved := buf[int(usaOff)+2+i*2:]
		buf[end-2] = saved[0]
		buf[end-1] = saved[1]
	}
	return nil
}

// attrAt returns the attribute header starting at pos in rec, or nil
// when pos is the end marker or the record is malformed.
func attrAt(rec []byte, pos uint32) []byte {
	usedSize := binary.LittleEndian.Uint32(rec[24:])
	if usedSize > uint32(len(rec)) {
		return nil
	}
	if pos+16 > usedSize {
		return nil
	}
	if binary.LittleEndian.Uint32(rec[pos:]) == attrEnd {
		return nil
	}
	attrLen := binary.LittleEndian.Uint32(rec[pos+4:])
	if attrLen < 16 || attrLen > usedSize-pos {
		return nil
	}
	return rec[pos : pos+attrLen]
}

// forEachAttr walks the attributes of an MFT record in order, calling
// fn with each header (a sub-slice of rec spanning exactly the
// attribute). fn returning false stops the walk.
func forEachAttr(rec []byte, fn func(attr []byte) bool) {
	firstOff := binary.LittleEndian.Uint16(rec[20:])
	usedSize := binary.LittleEndian.Uint32(rec[24:])
	if uint32(firstOff) >= uint32(len(rec)) || usedSize < uint32(firstOff) {
		return
	}
	pos := uint32(firstOff)
	for {
		attr := attrAt(rec, pos)
		if attr == nil {
			return
		}
		if !fn(attr) {
			return
		}
		pos += uint32(len(attr))
	}
}

// findUnnamedAttr returns the first attribute of the given type with
// an empty name, or nil. The unnamed $DATA attribute is the file's
// default stream.
func findUnnamedAttr(rec []byte, typ uint32) []byte {
	var found []byte
	forEachAttr(rec, func(attr []byte) bool {
		if binary.LittleEndian.Uint32(attr) == typ && attr[9] == 0 {
			found = attr
			return false
		}
		return true
	})
	return found
}

// findAttrAny returns the first attribute of the given type
// regardless of its name, or nil.
func findAttrAny(rec []byte, typ uint32) []byte {
	var found []byte
	forEachAttr(rec, func(attr []byte) bool {
		if binary.LittleEndian.Uint32(attr) == typ {
			found = attr
			return false
		}
		return true
	})
	return found
}

// extent is one contiguous cluster run of a non-resident attribute.
// A sparse extent has no backing clusters and reads as zeros.
type extent struct {
	vcn    uint64
	lcn    uint64
	length uint64
	sparse bool
}

// parseDataRuns decodes a non-resident attribute's run list. Each run
// header byte holds the byte widths of the length (low nibble, 1-8)
// and of the signed LCN delta (high nibble, 0-8; zero marks a sparse
// run). Deltas accumulate from the previous run's LCN and are
// sign-extended from their top bit.
func parseDataRuns(runs []byte) ([]extent, error) {
	var extents []extent
	var vcn uint64
	var lcn int64
	pos := 0

	for pos < len(runs) {
		header := runs[pos]
		if header == 0 {
			break
		}
		pos++
		lenSize := int(header & 0x0F)
		offSize := int(header >> 4)
		if lenSize < 1 || lenSize > 8 || offSize > 8 {
			return nil, fmt.Errorf("data run header %#02x invalid: %w", header, volume.ErrCorrupt)
		}
		if pos+lenSize+offSize > len(runs) {
			return nil, fmt.Errorf("data run truncated: %w", volume.ErrCorrupt)
		}

		var length uint64
		for i := 0; i < lenSize; i++ {
			length |= uint64(runs[pos+i]) << (8 * i)
		}
		pos += lenSize
		if length == 0 {
			return nil, fmt.Errorf("zero-length data run: %w", volume.ErrCorrupt)
		}

		if offSize == 0 {
			extents = append(extents, extent{vcn: vcn, length: length, sparse: true})
			vcn += length
			continue
		}

		var delta uint64
		for i := 0; i < offSize; i++ {
			delta |= uint64(runs[pos+i]) << (8 * i)
		}
		pos += offSize
		// Sign-extend from the top bit of the last delta byte.
		if runs[pos-1]&0x80 != 0 {
			for i := offSize; i < 8; i++ {
				delta |= 0xFF << (8 * i)
			}
		}
		lcn += int64(delta)
		if lcn < 0 {
			return nil, fmt.Errorf("data run LCN went negative: %w", volume.ErrCorrupt)
		}

		extents = append(extents, extent{vcn: vcn, lcn: uint64(lcn), length: length})
		vcn += length
	}

	if len(extents) == 0 {
		return nil, fmt.Errorf("empty data run list: %w", volume.ErrCorrupt)
	}
	return extents, nil
}

// attrRuns decodes the data runs of a non-resident attribute,
// shifting VCNs by the attribute's starting VCN so extents from split
// attributes land at their true position.
func attrRuns(attr []byte) ([]extent, error) {
	runsOff := binary.LittleEndian.Uint16(attr[32:])
	if uint32(runsOff) >= uint32(len(attr)) {
		return nil, fmt.Errorf("data runs offset overruns attribute: %w", volume.ErrCorrupt)
	}
	extents, err := parseDataRuns(attr[runsOff:])
	if err != nil {
		return nil, err
	}
	startVCN := binary.LittleEndian.Uint64(attr[16:])
	for i := range extents {
		extents[i].vcn += startVCN
	}
	return extents, nil
}

// findExtent returns the extent containing vcn.
func findExtent(extents []extent, vcn uint64) (extent, bool) {
	for _, e := range extents {
		if vcn >= e.vcn && vcn < e.vcn+e.length {
			return e, true
		}
	}
	return extent{}, false
}

// mergeExtents combines extent lists and sorts by VCN.
func mergeExtents(a, b []extent) []extent {
	merged := make([]extent, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].vcn < merged[j].vcn })
	return merged
}

// readExtents reads size bytes of attribute data addressed by
// extents (sorted by VCN) into buf. Sparse runs and gaps are left as
// the zeros buf arrives with.
func (v *Volume) readExtents(ctx context.Context, extents []extent, size uint64, buf []byte) error {
	bpc := uint64(v.bytesPerCluster)
	for _, e := range extents {
		start := e.vcn * bpc
		if start >= size {
			break
		}
		n := e.length * bpc
		if n > size-start {
			n = size - start
		}
		if e.sparse {
			continue
		}
		if err := v.readBytes(ctx, e.lcn*bpc, buf[start:start+n]); err != nil {
			return err
		}
	}
	return nil
}

// attrData reads an attribute's full value: a copy of the resident
// value, or the non-resident data assembled from its runs with sparse
// regions zero-filled.
func (v *Volume) attrData(ctx context.Context, attr []byte) ([]byte, error) {
	if attr[8] == 0 {
		valLen := binary.LittleEndian.Uint32(attr[16:])
		valOff := binary.LittleEndian.Uint16(attr[20:])
		if uint32(valOff)+valLen > uint32(len(attr)) {
			return nil, fmt.Errorf("resident value overruns attribute: %w", volume.ErrCorrupt)
		}
		data := make([]byte, valLen)
		copy(data, attr[valOff:])
		return data, nil
	}

	extents, err := attrRuns(attr)
	if err != nil {
		return nil, err
	}
	realSize := binary.LittleEndian.Uint64(attr[48:])
	data := make([]byte, realSize)
	if err := v.readExtents(ctx, extents, realSize, data); err != nil {
		return nil, err
	}
	return data, nil
}

// attrSize returns the byte size of an attribute's value without
// reading it.
func attrSize(attr []byte) uint64 {
	if attr[8] == 0 {
		return uint64(binary.LittleEndian.Uint32(attr[16:]))
	}
	return binary.LittleEndian.Uint64(attr[48:])
}

// attrListExtents walks an $ATTRIBUTE_LIST value collecting the data
// runs of every attribute of the given type held in extension MFT
// records. Entries are matched by type alone: $DATA extents of the
// default stream carry no name, while directory INDEX_ALLOCATION
// attributes are always named "$I30", and both must be found here.
// Entries pointing back at baseRecord are skipped: the caller has
// already decoded what the base record holds. Used for fragmented
// $MFT, for large files whose $DATA spills out of the base record,
// and for directory indexes split the same way.
func (v *Volume) attrListExtents(ctx context.Context, list []byte, typ uint32, baseRecord uint64) ([]extent, error) {
	var all []extent
	pos := 0
	for pos+26 <= len(list) {
		entryType := binary.LittleEndian.Uint32(list[pos:])
		entryLen := int(binary.LittleEndian.Uint16(list[pos+4:]))
		if entryLen < 26 || pos+entryLen > len(list) {
			break
		}
		if entryType != typ {
			pos += entryLen
			continue
		}
		refNum := binary.LittleEndian.Uint64(list[pos+16:]) & mftRefMask
		if refNum == baseRecord {
			pos += entryLen
			continue
		}
		rec, err := v.readRecord(ctx, refNum)
		if err != nil {
			return nil, err
		}
		attr := findAttrAny(rec, typ)
		if attr == nil || attr[8] == 0 {
			pos += entryLen
			continue
		}
		extents, err := attrRuns(attr)
		if err != nil {
			return nil, err
		}
		all = append(all, extents...)
		pos += entryLen
	}
	sort.Slice(all, func(i, j int) bool { return all[i].vcn < all[j].vcn })
	return all, nil
}

// decodeUTF16 converts an even-length little-endian UTF-16 byte slice
// to a string.
func decodeUTF16(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}
