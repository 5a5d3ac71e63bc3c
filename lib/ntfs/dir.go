// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntfs

import (
	"context"
	"encoding/binary"
	"fmt"
)

// dirEntry is one collected $I30 index entry.
type dirEntry struct {
	name      string
	recordNum uint64
	size      uint64
	isDir     bool
	namespace byte
}

// dirCollector accumulates index entries for one directory,
// deduplicating by MFT record number. A file with both a Win32 and a
// DOS short name appears twice in the index; the Win32 (or POSIX)
// name wins the listing and the displaced DOS name is kept aside so
// lookups by short name still resolve.
type dirCollector struct {
	entries    []dirEntry
	byRecord   map[uint64]int
	dosAliases []dirEntry
}

func newDirCollector() *dirCollector {
	return &dirCollector{byRecord: map[uint64]int{}}
}

// add records one $FILE_NAME index entry. fn is the $FILE_NAME
// structure from the entry's stream.
func (c *dirCollector) add(mftRef uint64, fn []byte) {
	if len(fn) < 66 {
		return
	}
	nameLen := int(fn[64])
	namespace := fn[65]
	if 66+nameLen*2 > len(fn) {
		return
	}
	name := decodeUTF16(fn[66 : 66+nameLen*2])
	if name == "." || name == ".." {
		return
	}

	flags := binary.LittleEndian.Uint32(fn[56:])
	entry := dirEntry{
		name:      name,
		recordNum: mftRef & mftRefMask,
		isDir:     flags&fileAttrDirectory != 0,
		namespace: namespace,
	}
	if !entry.isDir {
		entry.size = binary.LittleEndian.Uint64(fn[48:])
	}

	if idx, dup := c.byRecord[entry.recordNum]; dup {
		existing := &c.entries[idx]
		if namespace == nsDOS {
			c.dosAliases = append(c.dosAliases, entry)
			return
		}
		if existing.namespace == nsDOS {
			c.dosAliases = append(c.dosAliases, *existing)
			*existing = entry
		}
		return
	}
	c.byRecord[entry.recordNum] = len(c.entries)
	c.entries = append(c.entries, entry)
}

// parseIndexEntries walks a run of index entries, feeding each
// $FILE_NAME stream to the collector. The walk ends at the entry
// flagged last, which carries no stream.
func (c *dirCollector) parseIndexEntries(buf []byte) {
	pos := 0
	for pos+16 <= len(buf) {
		mftRef := binary.LittleEndian.Uint64(buf[pos:])
		entryLen := int(binary.LittleEndian.Uint16(buf[pos+8:]))
		streamLen := int(binary.LittleEndian.Uint16(buf[pos+10:]))
		flags := buf[pos+12]

		if flags&indexEntryLast != 0 {
			return
		}
		if entryLen < 16 {
			return
		}
		if streamLen > 0 && pos+16+streamLen <= len(buf) {
			c.add(mftRef, buf[pos+16:pos+16+streamLen])
		}
		pos += entryLen
	}
}

// parseIndexNode interprets an index node header (from INDEX_ROOT or
// an INDX block) and feeds its entry run to the collector. node is
// the header plus everything after it; the returned flag reports
// whether the node has sub-node pointers, meaning entries continue in
// INDEX_ALLOCATION blocks.
func (c *dirCollector) parseIndexNode(node []byte) (hasSubnodes bool) {
	if len(node) < 16 {
		return false
	}
	entriesOff := binary.LittleEndian.Uint32(node[0:])
	totalSize := binary.LittleEndian.Uint32(node[4:])
	hasSubnodes = node[12]&0x01 != 0

	if entriesOff < 16 || uint64(entriesOff) >= uint64(len(node)) {
		return hasSubnodes
	}
	end := totalSize
	if end > uint32(len(node)) {
		end = uint32(len(node))
	}
	if end <= entriesOff {
		return hasSubnodes
	}
	c.parseIndexEntries(node[entriesOff:end])
	return hasSubnodes
}

// parseIndexBlock collects the entries of one INDEX_ALLOCATION
// block. Blocks without the INDX signature are uninitialized
// allocated space and are skipped; a block that carries the signature
// but fails fixup verification was torn by an interrupted write and
// is reported so the listing fails loudly rather than silently losing
// entries.
func (v *Volume) parseIndexBlock(c *dirCollector, block []byte) error {
	if string(block[0:4]) != "INDX" {
		return nil
	}
	if err := applyFixup(block, v.bytesPerSector); err != nil {
		return fmt.Errorf("index block: %w", err)
	}
	// The index node header is at offset 24, after the block header.
	c.parseIndexNode(block[24:])
	return nil
}

// readIndexBlocks reads every INDEX_ALLOCATION block addressed by
// extents and collects its entries. Sparse runs hold no initialized
// blocks and are skipped.
func (v *Volume) readIndexBlocks(ctx context.Context, c *dirCollector, extents []extent, allocSize uint64) error {
	ibs := uint64(v.indexBlockSize)
	bpc := uint64(v.bytesPerCluster)
	block := make([]byte, ibs)

	var read uint64
	for _, e := range extents {
		if read >= allocSize {
			break
		}
		runBytes := e.length * bpc
		if e.sparse {
			read += runBytes
			continue
		}
		for off := uint64(0); off+ibs <= runBytes && read < allocSize; off += ibs {
			if err := v.readBytes(ctx, e.lcn*bpc+off, block); err != nil {
				return err
			}
			if err := v.parseIndexBlock(c, block); err != nil {
				return err
			}
			read += ibs
		}
	}
	return nil
}

// collectDir gathers all $I30 entries of the directory held in rec
// (the fixed-up MFT record of recordNum). Small directories live
// entirely in the resident INDEX_ROOT; larger ones continue in
// INDEX_ALLOCATION blocks, possibly spread over extension records via
// $ATTRIBUTE_LIST.
func (v *Volume) collectDir(ctx context.Context, rec []byte, recordNum uint64) (*dirCollector, error) {
	c := newDirCollector()

	hasSubnodes := false
	if ir := findAttrAny(rec, attrIndexRoot); ir != nil && ir[8] == 0 {
		valLen := binary.LittleEndian.Uint32(ir[16:])
		valOff := binary.LittleEndian.Uint16(ir[20:])
		if uint32(valOff)+valLen <= uint32(len(ir)) && valLen >= 32 {
			val := ir[valOff : uint32(valOff)+valLen]
			// The index node header follows the 16-byte index root
			// header.
			hasSubnodes = c.parseIndexNode(val[16:])
		}
	}

	if !hasSubnodes {
		return c, nil
	}

	var extents []extent
	var allocSize uint64
	if ia := findAttrAny(rec, attrIndexAlloc); ia != nil && ia[8] != 0 {
		ext, err := attrRuns(ia)
		if err != nil {
			return nil, err
		}
		extents = ext
		allocSize = binary.LittleEndian.Uint64(ia[48:])
	}

	if al := findAttrAny(rec, attrAttributeList); al != nil {
		list, err := v.attrData(ctx, al)
		if err != nil {
			return nil, err
		}
		extra, err := v.attrListExtents(ctx, list, attrIndexAlloc, recordNum)
		if err != nil {
			return nil, err
		}
		if len(extra) > 0 {
			extents = mergeExtents(extents, extra)
			if sz := extentsSize(extra, uint64(v.bytesPerCluster)); sz > allocSize {
				allocSize = sz
			}
		}
	}

	if len(extents) == 0 {
		return c, nil
	}
	if err := v.readIndexBlocks(ctx, c, extents, allocSize); err != nil {
		return nil, err
	}
	return c, nil
}

// extentsSize returns the byte span covered by extents (highest VCN
// end times cluster size).
func extentsSize(extents []extent, bpc uint64) uint64 {
	var max uint64
	for _, e := range extents {
		if end := (e.vcn + e.length) * bpc; end > max {
			max = end
		}
	}
	return max
}
