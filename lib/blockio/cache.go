// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"context"
	"fmt"
)

// DefaultCacheSlots is the sector cache capacity used when a driver
// does not ask for a specific size. Empirically 8–16 slots cover the
// working set of any single directory or metadata operation.
const DefaultCacheSlots = 8

type cacheSlot struct {
	sector uint64
	buf    []byte
	valid  bool
	dirty  bool
}

// SectorCache is a fixed-capacity write-back cache of logical
// sectors. Lookup is a linear scan; eviction is a round-robin clock.
// A dirty slot's buffer is the only authoritative copy of that sector
// until flushed, so eviction flushes synchronously before reuse.
//
// A SectorCache is private to one mounted volume and is not safe for
// concurrent use; the drivers are fully synchronous.
type SectorCache struct {
	dev   *Device
	slots []cacheSlot
	clock int
}

// NewSectorCache creates a cache with the given slot count (0 means
// DefaultCacheSlots) over dev.
func NewSectorCache(dev *Device, slots int) *SectorCache {
	if slots <= 0 {
		slots = DefaultCacheSlots
	}
	c := &SectorCache{dev: dev, slots: make([]cacheSlot, slots)}
	for i := range c.slots {
		c.slots[i].buf = make([]byte, dev.SectorSize())
	}
	return c
}

// Read returns the cached buffer for sector, reading it from the
// device on a miss. The returned slice aliases the cache slot and is
// valid only until the next cache operation; callers that need the
// data longer must copy it.
func (c *SectorCache) Read(ctx context.Context, sector uint64) ([]byte, error) {
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].sector == sector {
			return c.slots[i].buf, nil
		}
	}

	idx, err := c.findSlot(ctx)
	if err != nil {
		return nil, err
	}
	slot := &c.slots[idx]
	if err := c.dev.ReadSectors(ctx, sector, 1, slot.buf); err != nil {
		return nil, fmt.Errorf("reading sector %d: %w", sector, err)
	}
	slot.sector = sector
	slot.valid = true
	slot.dirty = false
	return slot.buf, nil
}

// MarkDirty flags a cached sector as modified so it is written back
// on flush or eviction. The sector must currently be cached (the
// caller just obtained its buffer from Read).
func (c *SectorCache) MarkDirty(sector uint64) {
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].sector == sector {
			c.slots[i].dirty = true
			return
		}
	}
}

// FlushAll writes back every dirty slot. Slots remain valid.
func (c *SectorCache) FlushAll(ctx context.Context) error {
	var firstErr error
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].dirty {
			if err := c.flushSlot(ctx, i); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Invalidate drops a specific sector from the cache, flushing it
// first if dirty. Used after raw writes touch a sector that may also
// be cached.
func (c *SectorCache) Invalidate(ctx context.Context, sector uint64) error {
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].sector == sector {
			if c.slots[i].dirty {
				if err := c.flushSlot(ctx, i); err != nil {
					return err
				}
			}
			c.slots[i].valid = false
		}
	}
	return nil
}

// InvalidateAll flushes every dirty slot and clears the cache. Called
// at unmount.
func (c *SectorCache) InvalidateAll(ctx context.Context) error {
	err := c.FlushAll(ctx)
	for i := range c.slots {
		c.slots[i].valid = false
	}
	return err
}

// findSlot returns a free slot index, evicting round-robin (and
// flushing the victim if dirty) when every slot is in use.
func (c *SectorCache) findSlot(ctx context.Context) (int, error) {
	for i := range c.slots {
		if !c.slots[i].valid {
			return i, nil
		}
	}
	idx := c.clock % len(c.slots)
	c.clock++
	if c.slots[idx].dirty {
		if err := c.flushSlot(ctx, idx); err != nil {
			return 0, err
		}
	}
	c.slots[idx].valid = false
	return idx, nil
}

func (c *SectorCache) flushSlot(ctx context.Context, idx int) error {
	slot := &c.slots[idx]
	if !slot.valid || !slot.dirty {
		return nil
	}
	if err := c.dev.WriteSectors(ctx, slot.sector, 1, slot.buf); err != nil {
		return fmt.Errorf("flushing sector %d: %w", slot.sector, err)
	}
	slot.dirty = false
	return nil
}
