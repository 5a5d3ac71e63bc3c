// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntfs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/volumefs/lib/volume"
)

// lookupName resolves one name component in the directory held in
// rec, case-insensitively. DOS short names resolve too, but a Win32
// or POSIX entry for the same name wins.
func (v *Volume) lookupName(ctx context.Context, rec []byte, recordNum uint64, name string) (uint64, error) {
	c, err := v.collectDir(ctx, rec, recordNum)
	if err != nil {
		return 0, err
	}
	for _, e := range c.entries {
		if strings.EqualFold(e.name, name) {
			return e.recordNum, nil
		}
	}
	for _, e := range c.dosAliases {
		if strings.EqualFold(e.name, name) {
			return e.recordNum, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, volume.ErrNotFound)
}

// resolvePath walks path from the root directory (record 5) and
// returns the MFT record number plus the fixed-up record of the final
// component.
func (v *Volume) resolvePath(ctx context.Context, path string) (uint64, []byte, error) {
	components, err := volume.SplitPath(path)
	if err != nil {
		return 0, nil, err
	}

	current := uint64(recordRoot)
	rec, err := v.readRecord(ctx, current)
	if err != nil {
		return 0, nil, err
	}
	for _, name := range components {
		if binary.LittleEndian.Uint16(rec[22:])&mftFlagDirectory == 0 {
			return 0, nil, fmt.Errorf("component before %q: %w", name, volume.ErrNotDir)
		}
		next, err := v.lookupName(ctx, rec, current, name)
		if err != nil {
			return 0, nil, err
		}
		current = next
		if rec, err = v.readRecord(ctx, current); err != nil {
			return 0, nil, err
		}
	}
	return current, rec, nil
}

// ReadDir implements volume.Filesystem.
func (v *Volume) ReadDir(ctx context.Context, path string) ([]volume.Entry, error) {
	recordNum, rec, err := v.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(rec[22:])&mftFlagDirectory == 0 {
		return nil, fmt.Errorf("%q: %w", path, volume.ErrNotDir)
	}
	c, err := v.collectDir(ctx, rec, recordNum)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", path, err)
	}
	entries := make([]volume.Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, volume.Entry{Name: e.name, Size: e.size, IsDir: e.isDir})
	}
	volume.SortEntries(entries)
	return entries, nil
}

// ReadFile implements volume.Filesystem. The unnamed $DATA attribute
// is the file content; when it lives in extension records the
// $ATTRIBUTE_LIST is followed to reassemble it.
func (v *Volume) ReadFile(ctx context.Context, path string) ([]byte, error) {
	recordNum, rec, err := v.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(rec[22:])&mftFlagDirectory != 0 {
		return nil, fmt.Errorf("%q: %w", path, volume.ErrIsDir)
	}

	if data := findUnnamedAttr(rec, attrData); data != nil {
		content, err := v.attrData(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		return content, nil
	}

	// No $DATA in the base record: the attribute spilled into
	// extension records.
	al := findAttrAny(rec, attrAttributeList)
	if al == nil {
		return nil, fmt.Errorf("%q has no $DATA attribute: %w", path, volume.ErrCorrupt)
	}
	list, err := v.attrData(ctx, al)
	if err != nil {
		return nil, fmt.Errorf("reading attribute list of %q: %w", path, err)
	}
	size, resident, err := v.attrListResident(ctx, list, recordNum)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	if resident != nil {
		return resident, nil
	}
	extents, err := v.attrListExtents(ctx, list, attrData, recordNum)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	if len(extents) == 0 {
		return nil, fmt.Errorf("%q has no $DATA attribute: %w", path, volume.ErrCorrupt)
	}
	content := make([]byte, size)
	if err := v.readExtents(ctx, extents, size, content); err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return content, nil
}

// attrListResident scans an attribute list's unnamed $DATA entries
// for the file's true size, and returns the content directly if an
// extension record holds it resident.
func (v *Volume) attrListResident(ctx context.Context, list []byte, baseRecord uint64) (uint64, []byte, error) {
	var size uint64
	pos := 0
	for pos+26 <= len(list) {
		entryType := binary.LittleEndian.Uint32(list[pos:])
		entryLen := int(binary.LittleEndian.Uint16(list[pos+4:]))
		nameLen := list[pos+6]
		if entryLen < 26 || pos+entryLen > len(list) {
			break
		}
		if entryType != attrData || nameLen != 0 {
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
			return 0, nil, err
		}
		attr := findUnnamedAttr(rec, attrData)
		if attr == nil {
			pos += entryLen
			continue
		}
		if attr[8] == 0 {
			content, err := v.attrData(ctx, attr)
			return uint64(len(content)), content, err
		}
		if s := attrSize(attr); s > size {
			size = s
		}
		pos += entryLen
	}
	return size, nil, nil
}

// FileSize implements volume.Filesystem.
func (v *Volume) FileSize(ctx context.Context, path string) (uint64, error) {
	recordNum, rec, err := v.resolvePath(ctx, path)
	if err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint16(rec[22:])&mftFlagDirectory != 0 {
		return 0, fmt.Errorf("%q: %w", path, volume.ErrIsDir)
	}
	if data := findUnnamedAttr(rec, attrData); data != nil {
		return attrSize(data), nil
	}
	al := findAttrAny(rec, attrAttributeList)
	if al == nil {
		return 0, fmt.Errorf("%q has no $DATA attribute: %w", path, volume.ErrCorrupt)
	}
	list, err := v.attrData(ctx, al)
	if err != nil {
		return 0, err
	}
	size, resident, err := v.attrListResident(ctx, list, recordNum)
	if err != nil {
		return 0, err
	}
	if resident != nil {
		return uint64(len(resident)), nil
	}
	return size, nil
}

// Exists implements volume.Filesystem.
func (v *Volume) Exists(ctx context.Context, path string) (bool, error) {
	_, _, err := v.resolvePath(ctx, path)
	if err != nil {
		if errors.Is(err, volume.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WriteFile implements volume.Filesystem; NTFS support is read-only.
func (v *Volume) WriteFile(ctx context.Context, path string, data []byte) error {
	return fmt.Errorf("ntfs: writing %q: %w", path, volume.ErrReadOnly)
}

// Mkdir implements volume.Filesystem; NTFS support is read-only.
func (v *Volume) Mkdir(ctx context.Context, path string) error {
	return fmt.Errorf("ntfs: creating %q: %w", path, volume.ErrReadOnly)
}

// Rename implements volume.Filesystem; NTFS support is read-only.
func (v *Volume) Rename(ctx context.Context, oldPath, newPath string) error {
	return fmt.Errorf("ntfs: renaming %q: %w", oldPath, volume.ErrReadOnly)
}

// Delete implements volume.Filesystem; NTFS support is read-only.
func (v *Volume) Delete(ctx context.Context, path string) error {
	return fmt.Errorf("ntfs: deleting %q: %w", path, volume.ErrReadOnly)
}

// SetLabel implements volume.Filesystem; NTFS support is read-only.
func (v *Volume) SetLabel(ctx context.Context, label string) error {
	return fmt.Errorf("ntfs: setting label: %w", volume.ErrReadOnly)
}
