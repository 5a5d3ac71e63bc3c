// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package exfat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/bureau-foundation/volumefs/lib/volume"
)

func (v *Volume) checkWritable() error {
	if v.readOnly {
		return fmt.Errorf("exfat: %w", volume.ErrReadOnly)
	}
	return nil
}

// dirIterFor opens an iterator over a resolved directory. Contiguous
// directories are bounded by their declared length; FAT-chained ones
// follow the chain to its end marker.
func (v *Volume) dirIterFor(ctx context.Context, info *entryInfo) (*dirIter, error) {
	noFat := info.streamFlags&streamNoFatChain != 0
	length := uint64(0)
	if noFat {
		length = info.dataLength
	}
	return v.newDirIter(ctx, info.firstCluster, noFat, length)
}

// findInDir scans a directory for an entry set whose name matches
// name case-insensitively.
func (v *Volume) findInDir(ctx context.Context, dir *entryInfo, name string) (*entryInfo, error) {
	it, err := v.dirIterFor(ctx, dir)
	if err != nil {
		return nil, err
	}
	for {
		ent, err := it.entry(ctx)
		if err != nil {
			return nil, err
		}
		if ent == nil || ent[0] == entryEOD {
			break
		}
		if ent[0] == entryFile {
			info, err := v.parseEntrySet(ctx, it)
			if err != nil {
				return nil, err
			}
			if info != nil && strings.EqualFold(info.name, name) {
				return info, nil
			}
		}
		if !it.next(ctx) {
			if it.failure != nil {
				return nil, it.failure
			}
			break
		}
	}
	return nil, fmt.Errorf("%q: %w", name, volume.ErrNotFound)
}

// rootInfo is the pseudo entry for the root directory, which has no
// entry set of its own.
func (v *Volume) rootInfo() *entryInfo {
	return &entryInfo{
		attributes:   attrDirectory,
		firstCluster: v.rootCluster,
		name:         "/",
	}
}

// resolveComponents walks the directory tree one component at a
// time.
func (v *Volume) resolveComponents(ctx context.Context, components []string) (*entryInfo, error) {
	cur := v.rootInfo()
	for i, comp := range components {
		if !cur.isDir() {
			return nil, fmt.Errorf("%q: %w", strings.Join(components[:i], "/"), volume.ErrNotDir)
		}
		info, err := v.findInDir(ctx, cur, comp)
		if err != nil {
			return nil, err
		}
		cur = info
	}
	return cur, nil
}

func (v *Volume) resolvePath(ctx context.Context, path string) (*entryInfo, error) {
	components, err := volume.SplitPath(path)
	if err != nil {
		return nil, err
	}
	return v.resolveComponents(ctx, components)
}

// resolveParent resolves a path's parent directory and returns it
// with the final name component.
func (v *Volume) resolveParent(ctx context.Context, path string) (*entryInfo, string, error) {
	parentComps, name, err := volume.SplitParent(path)
	if err != nil {
		return nil, "", err
	}
	parent, err := v.resolveComponents(ctx, parentComps)
	if err != nil {
		return nil, "", err
	}
	if !parent.isDir() {
		return nil, "", fmt.Errorf("parent of %q: %w", path, volume.ErrNotDir)
	}
	return parent, name, nil
}

// ReadDir implements volume.Filesystem.
func (v *Volume) ReadDir(ctx context.Context, path string) ([]volume.Entry, error) {
	dir, err := v.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	if !dir.isDir() {
		return nil, fmt.Errorf("%q: %w", path, volume.ErrNotDir)
	}

	it, err := v.dirIterFor(ctx, dir)
	if err != nil {
		return nil, err
	}
	var entries []volume.Entry
	for {
		ent, err := it.entry(ctx)
		if err != nil {
			return nil, err
		}
		if ent == nil || ent[0] == entryEOD {
			break
		}
		if ent[0] == entryFile {
			info, err := v.parseEntrySet(ctx, it)
			if err != nil {
				return nil, err
			}
			if info != nil {
				e := volume.Entry{Name: info.name, IsDir: info.isDir()}
				if !e.IsDir {
					e.Size = info.dataLength
				}
				entries = append(entries, e)
			}
		}
		if !it.next(ctx) {
			if it.failure != nil {
				return nil, it.failure
			}
			break
		}
	}
	volume.SortEntries(entries)
	return entries, nil
}

// ReadFile implements volume.Filesystem.
func (v *Volume) ReadFile(ctx context.Context, path string) ([]byte, error) {
	info, err := v.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	if info.isDir() {
		return nil, fmt.Errorf("%q: %w", path, volume.ErrIsDir)
	}
	buf := make([]byte, info.dataLength)
	noFat := info.streamFlags&streamNoFatChain != 0
	if err := v.readData(ctx, info.firstCluster, noFat, info.dataLength, buf); err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return buf, nil
}

// WriteFile implements volume.Filesystem. An existing file at path
// is replaced: its entry set is marked deleted, its clusters freed,
// and a fresh set inserted, rather than resizing anything in place.
func (v *Volume) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	parent, name, err := v.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	existing, err := v.findInDir(ctx, parent, name)
	switch {
	case err == nil:
		if existing.isDir() {
			return fmt.Errorf("%q: %w", path, volume.ErrIsDir)
		}
		if existing.firstCluster >= 2 {
			noFat := existing.streamFlags&streamNoFatChain != 0
			if err := v.freeChain(ctx, existing.firstCluster, noFat, existing.dataLength); err != nil {
				return err
			}
		}
		if err := v.markEntrySetDeleted(ctx, existing.entrySector, existing.entryOffset, 1+int(existing.secondaryCount)); err != nil {
			return err
		}
	case !errors.Is(err, volume.ErrNotFound):
		return err
	}

	firstCluster, err := v.writeData(ctx, data)
	if err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}

	set, err := buildEntrySet(name, attrArchive, streamAllocPossible, firstCluster, uint64(len(data)), time.Now())
	if err != nil {
		return err
	}
	sector, offset, err := v.findFreeDirSlot(ctx, parent.firstCluster, len(set)/entrySize)
	if err != nil {
		return err
	}
	if err := v.writeEntrySet(ctx, sector, offset, set); err != nil {
		return err
	}
	return v.bitmapFlush(ctx)
}

// Mkdir implements volume.Filesystem.
func (v *Volume) Mkdir(ctx context.Context, path string) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	parent, name, err := v.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	if _, err := v.findInDir(ctx, parent, name); err == nil {
		return fmt.Errorf("%q: %w", path, volume.ErrExists)
	} else if !errors.Is(err, volume.ErrNotFound) {
		return err
	}

	cluster, err := v.allocCluster(ctx)
	if err != nil {
		return err
	}
	if err := v.zeroCluster(ctx, cluster); err != nil {
		return err
	}

	set, err := buildEntrySet(name, attrDirectory, streamAllocPossible, cluster, uint64(v.clusterSize()), time.Now())
	if err != nil {
		return err
	}
	sector, offset, err := v.findFreeDirSlot(ctx, parent.firstCluster, len(set)/entrySize)
	if err != nil {
		return err
	}
	if err := v.writeEntrySet(ctx, sector, offset, set); err != nil {
		return err
	}
	return v.bitmapFlush(ctx)
}

// Rename implements volume.Filesystem. It moves oldPath to newPath,
// possibly across directories, by inserting a fresh entry set for
// the existing data chain and then marking the old set deleted. The
// data clusters are never touched, so a failure partway leaves the
// file reachable under at least one of the two names.
func (v *Volume) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	info, err := v.resolvePath(ctx, oldPath)
	if err != nil {
		return err
	}
	if info.entrySector == 0 && info.entryOffset == 0 && info.name == "/" {
		return fmt.Errorf("cannot rename the root directory: %w", volume.ErrIsDir)
	}
	if info.isDir() {
		// A directory must not move into its own subtree: the new
		// entry set would land inside the moved directory and the
		// whole tree would become unreachable.
		oldParts, err := volume.SplitPath(oldPath)
		if err != nil {
			return err
		}
		newParts, err := volume.SplitPath(newPath)
		if err != nil {
			return err
		}
		if len(newParts) > len(oldParts) {
			inside := true
			for i, c := range oldParts {
				if !strings.EqualFold(newParts[i], c) {
					inside = false
					break
				}
			}
			if inside {
				return fmt.Errorf("destination %q is inside %q", newPath, oldPath)
			}
		}
	}
	newParent, newName, err := v.resolveParent(ctx, newPath)
	if err != nil {
		return err
	}
	if _, err := v.findInDir(ctx, newParent, newName); err == nil {
		return fmt.Errorf("%q: %w", newPath, volume.ErrExists)
	} else if !errors.Is(err, volume.ErrNotFound) {
		return err
	}

	set, err := buildEntrySet(newName, info.attributes, info.streamFlags, info.firstCluster, info.dataLength, time.Now())
	if err != nil {
		return err
	}
	sector, offset, err := v.findFreeDirSlot(ctx, newParent.firstCluster, len(set)/entrySize)
	if err != nil {
		return err
	}
	if err := v.writeEntrySet(ctx, sector, offset, set); err != nil {
		return err
	}
	if err := v.markEntrySetDeleted(ctx, info.entrySector, info.entryOffset, 1+int(info.secondaryCount)); err != nil {
		return err
	}
	return v.bitmapFlush(ctx)
}

// Delete implements volume.Filesystem. Directories must be empty.
func (v *Volume) Delete(ctx context.Context, path string) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	info, err := v.resolvePath(ctx, path)
	if err != nil {
		return err
	}
	if info.name == "/" {
		return fmt.Errorf("cannot delete the root directory: %w", volume.ErrIsDir)
	}

	if info.isDir() {
		empty, err := v.dirIsEmpty(ctx, info)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%q: %w", path, volume.ErrNotEmpty)
		}
	}

	if info.firstCluster >= 2 {
		noFat := info.streamFlags&streamNoFatChain != 0
		if err := v.freeChain(ctx, info.firstCluster, noFat, info.dataLength); err != nil {
			return err
		}
	}
	if err := v.markEntrySetDeleted(ctx, info.entrySector, info.entryOffset, 1+int(info.secondaryCount)); err != nil {
		return err
	}
	return v.bitmapFlush(ctx)
}

func (v *Volume) dirIsEmpty(ctx context.Context, dir *entryInfo) (bool, error) {
	if dir.firstCluster < 2 {
		return true, nil
	}
	it, err := v.dirIterFor(ctx, dir)
	if err != nil {
		return false, err
	}
	for {
		ent, err := it.entry(ctx)
		if err != nil {
			return false, err
		}
		if ent == nil || ent[0] == entryEOD {
			return true, nil
		}
		if ent[0] == entryFile {
			return false, nil
		}
		if !it.next(ctx) {
			if it.failure != nil {
				return false, it.failure
			}
			return true, nil
		}
	}
}

// Exists implements volume.Filesystem.
func (v *Volume) Exists(ctx context.Context, path string) (bool, error) {
	_, err := v.resolvePath(ctx, path)
	if errors.Is(err, volume.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FileSize implements volume.Filesystem.
func (v *Volume) FileSize(ctx context.Context, path string) (uint64, error) {
	info, err := v.resolvePath(ctx, path)
	if err != nil {
		return 0, err
	}
	if info.isDir() {
		return 0, fmt.Errorf("%q: %w", path, volume.ErrIsDir)
	}
	return info.dataLength, nil
}

// SetLabel implements volume.Filesystem. The label lives in a single
// 0x83 entry in the root directory; setting rewrites it in place or
// claims a free slot, and an empty label clears the character count
// without removing the entry.
func (v *Volume) SetLabel(ctx context.Context, label string) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	units := utf16.Encode([]rune(label))
	if len(units) > 11 {
		return fmt.Errorf("volume label %q exceeds 11 characters", label)
	}

	var ent [entrySize]byte
	ent[0] = entryLabel
	ent[1] = byte(len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(ent[2+2*i:], u)
	}

	sector, offset, err := v.findLabelSlot(ctx)
	if err != nil {
		return err
	}
	buf, err := v.cache.Read(ctx, sector)
	if err != nil {
		return err
	}
	copy(buf[offset:offset+entrySize], ent[:])
	v.cache.MarkDirty(sector)
	if err := v.cache.FlushAll(ctx); err != nil {
		return err
	}
	v.label = label
	return nil
}

// findLabelSlot returns the on-disk slot of the root directory's
// label entry, or a free slot if the volume has none yet.
func (v *Volume) findLabelSlot(ctx context.Context) (uint64, uint32, error) {
	it, err := v.newDirIter(ctx, v.rootCluster, false, 0)
	if err != nil {
		return 0, 0, err
	}
	for {
		ent, err := it.entry(ctx)
		if err != nil {
			return 0, 0, err
		}
		if ent == nil || ent[0] == entryEOD {
			break
		}
		if ent[0] == entryLabel {
			return it.sector(), it.offsetInSector(), nil
		}
		if !it.next(ctx) {
			if it.failure != nil {
				return 0, 0, it.failure
			}
			break
		}
	}
	return v.findFreeDirSlot(ctx, v.rootCluster, 1)
}
