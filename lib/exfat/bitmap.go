// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exfat

import (
	"context"
	"fmt"
)

// bitmapGet reports whether a cluster is allocated. Out-of-range
// clusters read as free.
func (v *Volume) bitmapGet(cluster uint32) bool {
	if cluster < 2 {
		return false
	}
	idx := cluster - 2
	byteIdx := idx / 8
	if uint64(byteIdx) >= uint64(len(v.bitmap)) {
		return false
	}
	return v.bitmap[byteIdx]>>(idx%8)&1 == 1
}

// bitmapSet updates a cluster's in-memory allocation bit. The change
// reaches disk at the next bitmapFlush.
func (v *Volume) bitmapSet(cluster uint32, used bool) {
	if cluster < 2 {
		return
	}
	idx := cluster - 2
	byteIdx := idx / 8
	if uint64(byteIdx) >= uint64(len(v.bitmap)) {
		return
	}
	if used {
		v.bitmap[byteIdx] |= 1 << (idx % 8)
	} else {
		v.bitmap[byteIdx] &^= 1 << (idx % 8)
	}
}

// bitmapWalk runs fn for each cluster-sized span of the on-disk
// bitmap. The bitmap's own storage is a cluster chain like any other
// file's.
func (v *Volume) bitmapWalk(ctx context.Context, fn func(sector uint64, span []byte) error) error {
	clsz := v.clusterSize()
	total := uint32(len(v.bitmap))
	offset := uint32(0)
	cluster := v.bitmapCluster

	for offset < total && cluster >= 2 && cluster != fatEOC {
		chunk := total - offset
		if chunk > clsz {
			chunk = clsz
		}
		if err := fn(v.clusterToSector(cluster), v.bitmap[offset:offset+chunk]); err != nil {
			return err
		}
		offset += clsz
		next, err := v.fatGet(ctx, cluster)
		if err != nil {
			return err
		}
		cluster = next
	}
	return nil
}

// bitmapLoad reads the whole on-disk bitmap into memory. Full
// sectors transfer raw; a trailing partial sector goes through the
// cache.
func (v *Volume) bitmapLoad(ctx context.Context) error {
	bps := v.bytesPerSector
	return v.bitmapWalk(ctx, func(sector uint64, span []byte) error {
		fullSecs := uint32(len(span)) / bps
		if fullSecs > 0 {
			if err := v.dev.ReadSectors(ctx, sector, fullSecs, span); err != nil {
				return fmt.Errorf("reading allocation bitmap: %w", err)
			}
		}
		if partial := uint32(len(span)) % bps; partial > 0 {
			tmp, err := v.cache.Read(ctx, sector+uint64(fullSecs))
			if err != nil {
				return fmt.Errorf("reading allocation bitmap tail: %w", err)
			}
			copy(span[uint64(fullSecs)*uint64(bps):], tmp[:partial])
		}
		return nil
	})
}

// bitmapFlush writes the in-memory bitmap back to its cluster chain
// and flushes the cache, so the on-disk bitmap again mirrors the FAT.
func (v *Volume) bitmapFlush(ctx context.Context) error {
	bps := v.bytesPerSector
	err := v.bitmapWalk(ctx, func(sector uint64, span []byte) error {
		fullSecs := uint32(len(span)) / bps
		if fullSecs > 0 {
			if err := v.dev.WriteSectors(ctx, sector, fullSecs, span); err != nil {
				return fmt.Errorf("writing allocation bitmap: %w", err)
			}
		}
		if partial := uint32(len(span)) % bps; partial > 0 {
			tmp, err := v.cache.Read(ctx, sector+uint64(fullSecs))
			if err != nil {
				return fmt.Errorf("writing allocation bitmap tail: %w", err)
			}
			copy(tmp[:partial], span[uint64(fullSecs)*uint64(bps):])
			v.cache.MarkDirty(sector + uint64(fullSecs))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return v.cache.FlushAll(ctx)
}
