// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package imageio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/volumefs/lib/blockio"
)

// DefaultBlockSize is the device block size an Image presents when the
// caller does not ask for a specific one. 512 matches what every
// supported filesystem's boot sector assumes at probe time.
const DefaultBlockSize = 512

// maxCompressedImage caps how large a compressed image may decompress
// to before Open refuses it. Compressed images are held entirely in
// memory, so an unbounded stream would be a trivial way to exhaust
// the host.
const maxCompressedImage = 4 << 30

// Image is an opened disk image. Raw images stay on disk and are read
// and written through the file; compressed and in-memory images live
// in a byte slice.
type Image struct {
	path     string
	file     *os.File // raw file-backed images only
	data     []byte   // memory-backed images only
	size     int64
	writable bool
}

// Open opens the disk image at path. The compression format is chosen
// by file extension: .zst and .zstd are zstd streams, .lz4 is an LZ4
// frame, anything else is a raw image. Compressed images are
// decompressed into memory and are read-only; asking for a writable
// handle on one is an error rather than a silent downgrade.
func Open(path string, writable bool) (*Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		if writable {
			return nil, fmt.Errorf("open %s: zstd images are read-only", path)
		}
		return openCompressed(path, decodeZstd)

	case ".lz4":
		if writable {
			return nil, fmt.Errorf("open %s: lz4 images are read-only", path)
		}
		return openCompressed(path, decodeLZ4)

	default:
		return openRaw(path, writable)
	}
}

// Create creates a raw image file of the given size, truncating any
// existing file at path, and returns it opened for writing.
func Create(path string, size int64) (*Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("create %s: image size %d must be positive", path, size)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("size image %s to %d bytes: %w", path, size, err)
	}
	return &Image{path: path, file: file, size: size, writable: true}, nil
}

// InMemory returns a writable image of the given size backed by a
// fresh zeroed buffer. It never touches the filesystem.
func InMemory(size int64) (*Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("in-memory image size %d must be positive", size)
	}
	return &Image{
		path:     "(memory)",
		data:     make([]byte, size),
		size:     size,
		writable: true,
	}, nil
}

// FromBytes returns a read-only image over an existing buffer. The
// buffer is used directly, not copied.
func FromBytes(data []byte) *Image {
	return &Image{path: "(memory)", data: data, size: int64(len(data))}
}

func openRaw(path string, writable bool) (*Image, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	return &Image{path: path, file: file, size: info.Size(), writable: writable}, nil
}

func openCompressed(path string, decode func(io.Reader) ([]byte, error)) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer file.Close()

	data, err := decode(io.LimitReader(file, maxCompressedImage+1))
	if err != nil {
		return nil, fmt.Errorf("decompress image %s: %w", path, err)
	}
	if len(data) > maxCompressedImage {
		return nil, fmt.Errorf("decompress image %s: exceeds %d byte limit", path, maxCompressedImage)
	}
	return &Image{path: path, data: data, size: int64(len(data))}, nil
}

func decodeZstd(r io.Reader) ([]byte, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer decoder.Close()
	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return data, nil
}

func decodeLZ4(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(lz4.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return data, nil
}

// Path returns the path the image was opened from, or "(memory)".
func (img *Image) Path() string { return img.path }

// Size returns the image size in bytes.
func (img *Image) Size() int64 { return img.size }

// Writable reports whether the image accepts writes.
func (img *Image) Writable() bool { return img.writable }

// Bytes returns the backing buffer of a memory-backed image, or nil
// for file-backed images.
func (img *Image) Bytes() []byte { return img.data }

// Close releases the image. For raw file-backed images this closes the
// underlying file; memory-backed images only drop their buffer.
func (img *Image) Close() error {
	img.data = nil
	if img.file == nil {
		return nil
	}
	err := img.file.Close()
	img.file = nil
	if err != nil {
		return fmt.Errorf("close image %s: %w", img.path, err)
	}
	return nil
}

// Device binds the image to a block device with the given block size.
// The image must be a whole number of blocks. The device's write
// callback is wired only when the image is writable, so read-only
// images surface as read-only devices rather than failing on the
// first write.
func (img *Image) Device(blockSize uint32) (*blockio.Device, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if img.size%int64(blockSize) != 0 {
		return nil, fmt.Errorf("image %s: size %d is not a multiple of block size %d",
			img.path, img.size, blockSize)
	}

	read := func(ctx context.Context, lba uint64, count uint32, buf []byte) error {
		off, length, err := img.blockRange(lba, count, blockSize)
		if err != nil {
			return err
		}
		if img.file != nil {
			if _, err := img.file.ReadAt(buf[:length], off); err != nil {
				return fmt.Errorf("read image %s at %d: %w", img.path, off, err)
			}
			return nil
		}
		copy(buf[:length], img.data[off:off+length])
		return nil
	}

	var write blockio.WriteFunc
	if img.writable {
		write = func(ctx context.Context, lba uint64, count uint32, buf []byte) error {
			off, length, err := img.blockRange(lba, count, blockSize)
			if err != nil {
				return err
			}
			if img.file != nil {
				if _, err := img.file.WriteAt(buf[:length], off); err != nil {
					return fmt.Errorf("write image %s at %d: %w", img.path, off, err)
				}
				return nil
			}
			copy(img.data[off:off+length], buf[:length])
			return nil
		}
	}

	return blockio.NewDevice(read, write, blockSize, blockSize)
}

// blockRange converts a block span to a byte offset and length,
// rejecting spans that fall outside the image.
func (img *Image) blockRange(lba uint64, count uint32, blockSize uint32) (off, length int64, err error) {
	off = int64(lba) * int64(blockSize)
	length = int64(count) * int64(blockSize)
	if off < 0 || length < 0 || off+length > img.size {
		return 0, 0, fmt.Errorf("image %s: block range [%d,+%d) outside %d byte image",
			img.path, lba, count, img.size)
	}
	return off, length, nil
}
