// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exfat

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/volumefs/lib/volume"
)

// fatGet reads the FAT entry for a cluster through the sector cache.
func (v *Volume) fatGet(ctx context.Context, cluster uint32) (uint32, error) {
	if cluster < 2 || cluster >= v.clusterCount+2 {
		return fatEOC, nil
	}
	byteOff := uint64(cluster) * 4
	sector := uint64(v.fatOffset) + byteOff/uint64(v.bytesPerSector)
	offset := uint32(byteOff % uint64(v.bytesPerSector))

	buf, err := v.cache.Read(ctx, sector)
	if err != nil {
		return 0, fmt.Errorf("reading FAT sector %d: %w", sector, err)
	}
	return binary.LittleEndian.Uint32(buf[offset:]), nil
}

// fatSet writes the FAT entry for a cluster and marks its sector
// dirty.
func (v *Volume) fatSet(ctx context.Context, cluster, value uint32) error {
	if cluster < 2 || cluster >= v.clusterCount+2 {
		return fmt.Errorf("FAT write to cluster %d out of range: %w", cluster, volume.ErrCorrupt)
	}
	byteOff := uint64(cluster) * 4
	sector := uint64(v.fatOffset) + byteOff/uint64(v.bytesPerSector)
	offset := uint32(byteOff % uint64(v.bytesPerSector))

	buf, err := v.cache.Read(ctx, sector)
	if err != nil {
		return fmt.Errorf("reading FAT sector %d: %w", sector, err)
	}
	binary.LittleEndian.PutUint32(buf[offset:], value)
	v.cache.MarkDirty(sector)
	return nil
}

// allocCluster finds the first free cluster by linear bitmap scan,
// marks it used, and writes an end-of-chain FAT entry. The bitmap bit
// and the FAT entry are always updated together.
func (v *Volume) allocCluster(ctx context.Context) (uint32, error) {
	for i := uint32(0); i < v.clusterCount; i++ {
		cl := i + 2
		if v.bitmapGet(cl) {
			continue
		}
		v.bitmapSet(cl, true)
		if err := v.fatSet(ctx, cl, fatEOC); err != nil {
			v.bitmapSet(cl, false)
			return 0, err
		}
		return cl, nil
	}
	return 0, fmt.Errorf("no free cluster: %w", volume.ErrNoSpace)
}

// allocClusterChain allocates a cluster and links it after prev.
// prev 0 starts a new chain.
func (v *Volume) allocClusterChain(ctx context.Context, prev uint32) (uint32, error) {
	cl, err := v.allocCluster(ctx)
	if err != nil {
		return 0, err
	}
	if prev >= 2 {
		if err := v.fatSet(ctx, prev, cl); err != nil {
			return 0, err
		}
	}
	return cl, nil
}

// freeChain frees a cluster chain. Contiguous (NoFatChain) chains
// have no end-of-chain marker, so dataLength bounds the walk.
func (v *Volume) freeChain(ctx context.Context, start uint32, noFatChain bool, dataLength uint64) error {
	cluster := start
	clsz := uint64(v.clusterSize())
	remaining := dataLength

	for cluster >= 2 && cluster != fatEOC && cluster != fatBad {
		v.bitmapSet(cluster, false)
		if noFatChain {
			if remaining <= clsz {
				break
			}
			remaining -= clsz
			cluster++
			continue
		}
		next, err := v.fatGet(ctx, cluster)
		if err != nil {
			return err
		}
		if err := v.fatSet(ctx, cluster, fatFree); err != nil {
			return err
		}
		cluster = next
	}
	return nil
}

// nextCluster advances one step along a chain, honoring contiguous
// mode. remaining is the unread byte count; it bounds contiguous
// walks, which have no end marker.
func (v *Volume) nextCluster(ctx context.Context, cluster uint32, noFatChain bool, remaining uint64) (uint32, error) {
	if noFatChain {
		if remaining <= uint64(v.clusterSize()) {
			return fatEOC, nil
		}
		return cluster + 1, nil
	}
	return v.fatGet(ctx, cluster)
}

// readData reads length bytes from a cluster chain into buf. Whole
// sectors transfer raw, bypassing the cache; a final partial sector
// goes through the cache.
func (v *Volume) readData(ctx context.Context, firstCluster uint32, noFatChain bool, length uint64, buf []byte) error {
	clsz := uint64(v.clusterSize())
	bps := uint64(v.bytesPerSector)
	remaining := length
	cluster := firstCluster
	dst := buf

	for remaining > 0 && cluster >= 2 && cluster != fatEOC && cluster != fatBad {
		sec := v.clusterToSector(cluster)
		chunk := remaining
		if chunk > clsz {
			chunk = clsz
		}
		fullSecs := uint32(chunk / bps)
		partial := uint32(chunk % bps)

		if fullSecs > 0 {
			if err := v.dev.ReadSectors(ctx, sec, fullSecs, dst); err != nil {
				return fmt.Errorf("reading cluster %d: %w", cluster, err)
			}
			dst = dst[uint64(fullSecs)*bps:]
		}
		if partial > 0 {
			tmp, err := v.cache.Read(ctx, sec+uint64(fullSecs))
			if err != nil {
				return fmt.Errorf("reading cluster %d tail: %w", cluster, err)
			}
			copy(dst, tmp[:partial])
			dst = dst[partial:]
		}

		remaining -= chunk
		next, err := v.nextCluster(ctx, cluster, noFatChain, remaining+chunk)
		if err != nil {
			return err
		}
		cluster = next
	}
	if remaining > 0 {
		return fmt.Errorf("cluster chain ends %d bytes short of declared length: %w", remaining, volume.ErrCorrupt)
	}
	return nil
}

// writeData writes data into freshly allocated clusters and returns
// the first cluster of the new FAT chain. Zero-length data allocates
// nothing and returns cluster 0. The tail of the last cluster is
// zero-filled so stale data never leaks into a growing file.
func (v *Volume) writeData(ctx context.Context, data []byte) (uint32, error) {
	clsz := uint64(v.clusterSize())
	bps := uint64(v.bytesPerSector)
	size := uint64(len(data))
	if size == 0 {
		return 0, nil
	}
	clustersNeeded := (size + clsz - 1) / clsz

	var first, prev uint32
	src := data
	remaining := size

	// On failure the partial chain is released so an aborted write
	// never leaks allocation.
	fail := func(err error) (uint32, error) {
		if first >= 2 {
			if freeErr := v.freeChain(ctx, first, false, 0); freeErr != nil {
				v.log.Warn("releasing partial write chain", "error", freeErr)
			}
		}
		return 0, err
	}

	for i := uint64(0); i < clustersNeeded; i++ {
		cl, err := v.allocClusterChain(ctx, prev)
		if err != nil {
			return fail(err)
		}
		if i == 0 {
			first = cl
		}

		sec := v.clusterToSector(cl)
		chunk := remaining
		if chunk > clsz {
			chunk = clsz
		}
		fullSecs := uint32(chunk / bps)
		partial := uint32(chunk % bps)

		if fullSecs > 0 {
			// A freed cluster reallocated here can still be sitting
			// in the cache from an earlier operation; drop those
			// sectors first or a later flush would shadow the raw
			// write with stale data.
			for s := uint32(0); s < fullSecs; s++ {
				if err := v.cache.Invalidate(ctx, sec+uint64(s)); err != nil {
					return fail(err)
				}
			}
			if err := v.dev.WriteSectors(ctx, sec, fullSecs, src); err != nil {
				return fail(fmt.Errorf("writing cluster %d: %w", cl, err))
			}
			src = src[uint64(fullSecs)*bps:]
		}
		if partial > 0 {
			tmp, err := v.cache.Read(ctx, sec+uint64(fullSecs))
			if err != nil {
				return fail(fmt.Errorf("writing cluster %d tail: %w", cl, err))
			}
			for j := range tmp {
				tmp[j] = 0
			}
			copy(tmp, src[:partial])
			v.cache.MarkDirty(sec + uint64(fullSecs))
			src = src[partial:]
		}

		if i == clustersNeeded-1 {
			usedSecs := uint32((chunk + bps - 1) / bps)
			for s := usedSecs; s < v.sectorsPerCluster; s++ {
				tmp, err := v.cache.Read(ctx, sec+uint64(s))
				if err != nil {
					return fail(err)
				}
				for j := range tmp {
					tmp[j] = 0
				}
				v.cache.MarkDirty(sec + uint64(s))
			}
		}

		remaining -= chunk
		prev = cl
	}
	return first, nil
}

// zeroCluster zero-fills every sector of a cluster through the
// cache.
func (v *Volume) zeroCluster(ctx context.Context, cluster uint32) error {
	sec := v.clusterToSector(cluster)
	for s := uint32(0); s < v.sectorsPerCluster; s++ {
		buf, err := v.cache.Read(ctx, sec+uint64(s))
		if err != nil {
			return err
		}
		for j := range buf {
			buf[j] = 0
		}
		v.cache.MarkDirty(sec + uint64(s))
	}
	return v.cache.FlushAll(ctx)
}
