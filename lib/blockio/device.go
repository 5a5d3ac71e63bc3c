// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"context"
	"fmt"
)

// ReadFunc reads count device blocks starting at lba into buf. The
// buffer is always exactly count × device-block-size bytes. A non-nil
// error aborts the calling filesystem operation; drivers never retry.
type ReadFunc func(ctx context.Context, lba uint64, count uint32, buf []byte) error

// WriteFunc writes count device blocks starting at lba from buf.
// Only the exFAT driver requires a WriteFunc; read-only mounts pass
// nil.
type WriteFunc func(ctx context.Context, lba uint64, count uint32, buf []byte) error

// Device translates "logical sector N of this filesystem" into device
// block addresses for the host callbacks. It is created at mount time
// once the boot sector has declared the logical sector size, and is
// owned by exactly one volume handle.
type Device struct {
	read  ReadFunc
	write WriteFunc

	blockSize  uint32 // device block size, from the host
	sectorSize uint32 // logical sector size, from the boot sector
}

// NewDevice binds the host callbacks to a logical sector size. Both
// sizes must be powers of two; write may be nil for read-only use.
func NewDevice(read ReadFunc, write WriteFunc, blockSize, sectorSize uint32) (*Device, error) {
	if read == nil {
		return nil, fmt.Errorf("block read callback is required")
	}
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("device block size %d is not a power of two", blockSize)
	}
	if sectorSize == 0 || sectorSize&(sectorSize-1) != 0 {
		return nil, fmt.Errorf("logical sector size %d is not a power of two", sectorSize)
	}
	return &Device{
		read:       read,
		write:      write,
		blockSize:  blockSize,
		sectorSize: sectorSize,
	}, nil
}

// WithSectorSize returns a Device sharing the same host callbacks
// but addressing logical sectors of a different size. Mount code uses
// it after the boot sector has declared the filesystem's true sector
// size, which may differ from the size the volume was probed with.
func (d *Device) WithSectorSize(sectorSize uint32) (*Device, error) {
	return NewDevice(d.read, d.write, d.blockSize, sectorSize)
}

// SectorSize returns the logical sector size in bytes.
func (d *Device) SectorSize() uint32 { return d.sectorSize }

// BlockSize returns the underlying device block size in bytes.
func (d *Device) BlockSize() uint32 { return d.blockSize }

// Writable reports whether the device was bound with a write callback.
func (d *Device) Writable() bool { return d.write != nil }

// ReadSectors reads count logical sectors starting at sector into
// buf, which must be at least count × SectorSize bytes. This is raw
// multi-sector I/O; it does not touch any cache.
func (d *Device) ReadSectors(ctx context.Context, sector uint64, count uint32, buf []byte) error {
	if need := int(count) * int(d.sectorSize); len(buf) < need {
		return fmt.Errorf("sector read buffer is %d bytes, need %d", len(buf), need)
	}

	switch {
	case d.blockSize == d.sectorSize:
		return d.read(ctx, sector, count, buf[:int(count)*int(d.sectorSize)])

	case d.blockSize < d.sectorSize:
		ratio := d.sectorSize / d.blockSize
		return d.read(ctx, sector*uint64(ratio), count*ratio, buf[:int(count)*int(d.sectorSize)])

	default:
		// Device blocks larger than logical sectors: read each
		// covering block and copy the sector out of it.
		scratch := make([]byte, d.blockSize)
		for i := uint32(0); i < count; i++ {
			byteOff := (sector + uint64(i)) * uint64(d.sectorSize)
			lba := byteOff / uint64(d.blockSize)
			offInBlock := uint32(byteOff % uint64(d.blockSize))
			if err := d.read(ctx, lba, 1, scratch); err != nil {
				return err
			}
			copy(buf[int(i)*int(d.sectorSize):], scratch[offInBlock:offInBlock+d.sectorSize])
		}
		return nil
	}
}

// WriteSectors writes count logical sectors starting at sector from
// buf. When device blocks are larger than logical sectors the write
// is a read-modify-write of each covering block.
func (d *Device) WriteSectors(ctx context.Context, sector uint64, count uint32, buf []byte) error {
	if d.write == nil {
		return fmt.Errorf("device is read-only")
	}
	if need := int(count) * int(d.sectorSize); len(buf) < need {
		return fmt.Errorf("sector write buffer is %d bytes, need %d", len(buf), need)
	}

	switch {
	case d.blockSize == d.sectorSize:
		return d.write(ctx, sector, count, buf[:int(count)*int(d.sectorSize)])

	case d.blockSize < d.sectorSize:
		ratio := d.sectorSize / d.blockSize
		return d.write(ctx, sector*uint64(ratio), count*ratio, buf[:int(count)*int(d.sectorSize)])

	default:
		scratch := make([]byte, d.blockSize)
		for i := uint32(0); i < count; i++ {
			byteOff := (sector + uint64(i)) * uint64(d.sectorSize)
			lba := byteOff / uint64(d.blockSize)
			offInBlock := uint32(byteOff % uint64(d.blockSize))
			if err := d.read(ctx, lba, 1, scratch); err != nil {
				return err
			}
			copy(scratch[offInBlock:], buf[int(i)*int(d.sectorSize):int(i+1)*int(d.sectorSize)])
			if err := d.write(ctx, lba, 1, scratch); err != nil {
				return err
			}
		}
		return nil
	}
}
