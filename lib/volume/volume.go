// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bureau-foundation/volumefs/lib/blockio"
)

// Sentinel errors returned (wrapped) by drivers. Callers match them
// with errors.Is.
var (
	// ErrNotFound reports that a path component does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt reports that on-disk metadata failed validation.
	ErrCorrupt = errors.New("volume metadata corrupt")

	// ErrReadOnly reports a mutation attempted on a read-only mount
	// or a read-only driver.
	ErrReadOnly = errors.New("volume is read-only")

	// ErrNoSpace reports that the volume has no free cluster (or no
	// free directory slot) for the requested operation.
	ErrNoSpace = errors.New("no space on volume")

	// ErrExists reports that the target of a create or rename
	// already exists.
	ErrExists = errors.New("already exists")

	// ErrNotDir reports that a path component expected to be a
	// directory is a regular file.
	ErrNotDir = errors.New("not a directory")

	// ErrNotEmpty reports an attempt to delete a directory that
	// still has entries.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrIsDir reports a file operation applied to a directory.
	ErrIsDir = errors.New("is a directory")

	// ErrUnsupported reports media in a recognized but unhandled
	// format, or an operation a driver does not implement.
	ErrUnsupported = errors.New("unsupported")
)

// Entry describes one directory entry as returned by ReadDir.
type Entry struct {
	// Name is the entry's name as stored on disk, with original
	// case preserved.
	Name string

	// Size is the file size in bytes. Zero for directories.
	Size uint64

	// IsDir reports whether the entry is a directory.
	IsDir bool
}

// Info describes volume-level capacity.
type Info struct {
	// Format identifies the mounted filesystem.
	Format Format

	// TotalBytes is the capacity of the cluster heap.
	TotalBytes uint64

	// FreeBytes is the capacity not currently allocated.
	FreeBytes uint64

	// ClusterSize is the allocation unit in bytes.
	ClusterSize uint32
}

// Filesystem is the driver-neutral volume surface. Paths are
// forward-slash separated and rooted at the volume root; lookups are
// case-insensitive. Drivers that do not support writing return
// errors wrapping ErrReadOnly from every mutating method.
type Filesystem interface {
	// ReadDir lists the directory at path, sorted by name.
	ReadDir(ctx context.Context, path string) ([]Entry, error)

	// ReadFile returns the full content of the file at path.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile creates or replaces the file at path with data. The
	// parent directory must already exist.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Mkdir creates the directory at path. The parent must already
	// exist; an existing entry at path is an error.
	Mkdir(ctx context.Context, path string) error

	// Rename moves oldPath to newPath. The destination must not
	// exist and its parent must.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Delete removes the file or empty directory at path. Deleting
	// a non-empty directory is an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether path names an existing entry.
	Exists(ctx context.Context, path string) (bool, error)

	// FileSize returns the size in bytes of the file at path.
	FileSize(ctx context.Context, path string) (uint64, error)

	// Info returns volume capacity and format.
	Info(ctx context.Context) (Info, error)

	// Label returns the volume label, empty if none is set.
	Label(ctx context.Context) (string, error)

	// SetLabel sets or clears the volume label.
	SetLabel(ctx context.Context, label string) error

	// Unmount flushes all dirty state and releases the volume. The
	// Filesystem must not be used afterwards.
	Unmount(ctx context.Context) error
}

// Format identifies an on-disk filesystem format.
type Format int

const (
	FormatUnknown Format = iota
	FormatFAT32
	FormatExFAT
	FormatNTFS
)

func (f Format) String() string {
	switch f {
	case FormatFAT32:
		return "fat32"
	case FormatExFAT:
		return "exfat"
	case FormatNTFS:
		return "ntfs"
	default:
		return "unknown"
	}
}

// Options configures a mount. The zero value is usable.
type Options struct {
	// Logger receives driver diagnostics. Nil discards them.
	Logger *slog.Logger

	// CacheSlots overrides the driver's default sector cache size.
	// Zero keeps the default.
	CacheSlots int

	// ReadOnly refuses mutations even on a writable device.
	ReadOnly bool
}

// MountFunc mounts a probed volume. Drivers pass one to Register.
type MountFunc func(ctx context.Context, dev *blockio.Device, opts Options) (Filesystem, error)

var (
	driversMu sync.RWMutex
	drivers   = map[Format]MountFunc{}
)

// Register installs the driver for a format. It is intended to be
// called from driver package init functions and panics on a
// duplicate registration.
func Register(f Format, mount MountFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[f]; dup {
		panic(fmt.Sprintf("volume: duplicate driver registration for %s", f))
	}
	drivers[f] = mount
}

// Probe reads the boot region of dev and identifies its format. It
// returns FormatUnknown with a nil error when the media carries no
// recognized signature.
func Probe(ctx context.Context, dev *blockio.Device) (Format, error) {
	boot := make([]byte, dev.SectorSize())
	if err := dev.ReadSectors(ctx, 0, 1, boot); err != nil {
		return FormatUnknown, fmt.Errorf("reading boot sector: %w", err)
	}
	if len(boot) < 90 {
		return FormatUnknown, nil
	}
	switch {
	case string(boot[3:11]) == "EXFAT   ":
		return FormatExFAT, nil
	case string(boot[3:11]) == "NTFS    ":
		return FormatNTFS, nil
	case string(boot[82:90]) == "FAT32   ":
		return FormatFAT32, nil
	}
	return FormatUnknown, nil
}

// Mount probes dev and dispatches to the registered driver for its
// format. Recognized media without a registered driver (FAT32 in the
// stock build) yields an error wrapping ErrUnsupported; media with no
// recognized signature yields an error wrapping ErrCorrupt.
func Mount(ctx context.Context, dev *blockio.Device, opts Options) (Filesystem, error) {
	format, err := Probe(ctx, dev)
	if err != nil {
		return nil, err
	}
	if format == FormatUnknown {
		return nil, fmt.Errorf("no recognized filesystem signature: %w", ErrCorrupt)
	}
	driversMu.RLock()
	mount, ok := drivers[format]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s volume recognized but no driver is built in: %w", format, ErrUnsupported)
	}
	fs, err := mount(ctx, dev, opts)
	if err != nil {
		return nil, fmt.Errorf("mounting %s volume: %w", format, err)
	}
	return fs, nil
}

// SortEntries sorts directory entries by name. Drivers call it so
// ReadDir output is deterministic regardless of on-disk order.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
