// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"context"
	"sync/atomic"
	"testing"
)

// countingDevice wraps memCallbacks with read/write counters so tests
// can observe cache behavior.
func countingDevice(t *testing.T, backing []byte, reads, writes *atomic.Int64) *Device {
	t.Helper()
	read, write := memCallbacks(backing, 512)
	countedRead := func(ctx context.Context, lba uint64, count uint32, buf []byte) error {
		reads.Add(1)
		return read(ctx, lba, count, buf)
	}
	countedWrite := func(ctx context.Context, lba uint64, count uint32, buf []byte) error {
		writes.Add(1)
		return write(ctx, lba, count, buf)
	}
	dev, err := NewDevice(countedRead, countedWrite, 512, 512)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return dev
}

func TestCacheHit(t *testing.T) {
	backing := make([]byte, 64*512)
	backing[3*512] = 0x42
	var reads, writes atomic.Int64
	cache := NewSectorCache(countingDevice(t, backing, &reads, &writes), 4)

	buf, err := cache.Read(context.Background(), 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[0] != 0x42 {
		t.Fatalf("sector 3 byte 0 = %#x, want 0x42", buf[0])
	}
	if _, err := cache.Read(context.Background(), 3); err != nil {
		t.Fatalf("Read (cached): %v", err)
	}
	if got := reads.Load(); got != 1 {
		t.Fatalf("device reads = %d, want 1 (second read must hit cache)", got)
	}
}

func TestCacheWriteBack(t *testing.T) {
	backing := make([]byte, 64*512)
	var reads, writes atomic.Int64
	cache := NewSectorCache(countingDevice(t, backing, &reads, &writes), 4)

	buf, err := cache.Read(context.Background(), 7)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	buf[0] = 0x99
	cache.MarkDirty(7)

	// Dirty data stays in the cache until flushed.
	if backing[7*512] != 0 {
		t.Fatal("dirty sector reached device before flush")
	}
	if err := cache.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if backing[7*512] != 0x99 {
		t.Fatal("flush did not write dirty sector to device")
	}
	if got := writes.Load(); got != 1 {
		t.Fatalf("device writes = %d, want 1", got)
	}

	// A second flush with nothing dirty must not touch the device.
	if err := cache.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll (clean): %v", err)
	}
	if got := writes.Load(); got != 1 {
		t.Fatalf("device writes after clean flush = %d, want 1", got)
	}
}

func TestCacheEvictionFlushesDirty(t *testing.T) {
	backing := make([]byte, 64*512)
	var reads, writes atomic.Int64
	cache := NewSectorCache(countingDevice(t, backing, &reads, &writes), 2)

	buf, err := cache.Read(context.Background(), 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	buf[0] = 0x11
	cache.MarkDirty(1)

	// Fill the remaining slot, then force an eviction.
	if _, err := cache.Read(context.Background(), 2); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := cache.Read(context.Background(), 3); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := cache.Read(context.Background(), 4); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if backing[1*512] != 0x11 {
		t.Fatal("eviction dropped a dirty sector without flushing it")
	}
}

func TestCacheInvalidateSector(t *testing.T) {
	backing := make([]byte, 64*512)
	var reads, writes atomic.Int64
	cache := NewSectorCache(countingDevice(t, backing, &reads, &writes), 4)

	buf, err := cache.Read(context.Background(), 9)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	buf[0] = 0x55
	cache.MarkDirty(9)
	if _, err := cache.Read(context.Background(), 10); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if err := cache.Invalidate(context.Background(), 9); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if backing[9*512] != 0x55 {
		t.Fatal("Invalidate dropped a dirty sector without flushing it")
	}

	// The dropped sector must come back from the device, reflecting
	// writes that bypassed the cache; other slots stay cached.
	backing[9*512] = 0x56
	buf, err = cache.Read(context.Background(), 9)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[0] != 0x56 {
		t.Fatal("read after Invalidate returned stale cached data")
	}
	readsBefore := reads.Load()
	if _, err := cache.Read(context.Background(), 10); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if reads.Load() != readsBefore {
		t.Fatal("Invalidate evicted an unrelated sector")
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	backing := make([]byte, 64*512)
	var reads, writes atomic.Int64
	cache := NewSectorCache(countingDevice(t, backing, &reads, &writes), 4)

	buf, err := cache.Read(context.Background(), 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	buf[0] = 0x77
	cache.MarkDirty(5)

	if err := cache.InvalidateAll(context.Background()); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if backing[5*512] != 0x77 {
		t.Fatal("InvalidateAll dropped a dirty sector without flushing it")
	}

	// After invalidation the next read must come from the device.
	readsBefore := reads.Load()
	backing[5*512] = 0x78
	buf, err = cache.Read(context.Background(), 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[0] != 0x78 {
		t.Fatal("read after InvalidateAll returned stale cached data")
	}
	if reads.Load() == readsBefore {
		t.Fatal("read after InvalidateAll did not touch the device")
	}
}
