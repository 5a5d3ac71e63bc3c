// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"unicode/utf16"

	"github.com/bureau-foundation/volumefs/lib/blockio"
	"github.com/bureau-foundation/volumefs/lib/volume"
)

// Test image geometry: 512-byte sectors, 4 KiB clusters, 64 clusters,
// 1 KiB MFT records starting at cluster 2, 4 KiB index blocks.
const (
	tBPS        = 512
	tSPC        = 8
	tBPC        = tBPS * tSPC
	tClusters   = 64
	tRecordSize = 1024
	tMFTCluster = 2
)

type ntfsImage struct {
	buf []byte
}

func newNTFSImage() *ntfsImage {
	img := &ntfsImage{buf: make([]byte, tClusters*tBPC)}
	b := img.buf
	copy(b[3:], "NTFS    ")
	binary.LittleEndian.PutUint16(b[11:], tBPS)
	b[13] = tSPC
	binary.LittleEndian.PutUint64(b[40:], tClusters*tSPC)
	binary.LittleEndian.PutUint64(b[48:], tMFTCluster)
	b[64] = 0xF6 // -10: 1 KiB MFT records
	b[68] = 0x01 // one cluster per index block
	binary.LittleEndian.PutUint16(b[510:], 0xAA55)
	return img
}

func (img *ntfsImage) writeCluster(cluster int, data []byte) {
	copy(img.buf[cluster*tBPC:], data)
}

func (img *ntfsImage) putRecord(num int, rec []byte) {
	copy(img.buf[tMFTCluster*tBPC+num*tRecordSize:], rec)
}

func (img *ntfsImage) device(t *testing.T) *blockio.Device {
	t.Helper()
	read := func(ctx context.Context, lba uint64, count uint32, buf []byte) error {
		off := int(lba) * tBPS
		n := int(count) * tBPS
		if off+n > len(img.buf) {
			return fmt.Errorf("read beyond image: lba %d count %d", lba, count)
		}
		copy(buf, img.buf[off:off+n])
		return nil
	}
	dev, err := blockio.NewDevice(read, nil, tBPS, tBPS)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return dev
}

// protect applies update-sequence protection to a multi-sector
// structure, the inverse of applyFixup.
func protect(buf []byte, usaOff int) {
	count := len(buf)/tBPS + 1
	binary.LittleEndian.PutUint16(buf[4:], uint16(usaOff))
	binary.LittleEndian.PutUint16(buf[6:], uint16(count))
	const usn = 0x7A31
	binary.LittleEndian.PutUint16(buf[usaOff:], usn)
	for i := 0; i < count-1; i++ {
		end := (i + 1) * tBPS
		copy(buf[usaOff+2+i*2:], buf[end-2:end])
		binary.LittleEndian.PutUint16(buf[end-2:], usn)
	}
}

func buildRecord(flags uint16, attrs ...[]byte) []byte {
	rec := make([]byte, tRecordSize)
	copy(rec, "FILE")
	binary.LittleEndian.PutUint16(rec[20:], 56)
	binary.LittleEndian.PutUint16(rec[22:], flags)
	pos := 56
	for _, a := range attrs {
		copy(rec[pos:], a)
		pos += len(a)
	}
	binary.LittleEndian.PutUint32(rec[pos:], attrEnd)
	pos += 8
	binary.LittleEndian.PutUint32(rec[24:], uint32(pos))
	protect(rec, 48)
	return rec
}

func align8(n int) int { return (n + 7) &^ 7 }

func residentAttr(typ uint32, value []byte) []byte {
	a := make([]byte, align8(24+len(value)))
	binary.LittleEndian.PutUint32(a, typ)
	binary.LittleEndian.PutUint32(a[4:], uint32(len(a)))
	binary.LittleEndian.PutUint16(a[10:], 24)
	binary.LittleEndian.PutUint32(a[16:], uint32(len(value)))
	binary.LittleEndian.PutUint16(a[20:], 24)
	copy(a[24:], value)
	return a
}

func nonResidentAttr(typ uint32, runs []byte, lastVCN, allocSize, realSize uint64) []byte {
	a := make([]byte, align8(64+len(runs)))
	binary.LittleEndian.PutUint32(a, typ)
	binary.LittleEndian.PutUint32(a[4:], uint32(len(a)))
	a[8] = 1
	binary.LittleEndian.PutUint16(a[10:], 64)
	binary.LittleEndian.PutUint64(a[24:], lastVCN)
	binary.LittleEndian.PutUint16(a[32:], 64)
	binary.LittleEndian.PutUint64(a[40:], allocSize)
	binary.LittleEndian.PutUint64(a[48:], realSize)
	binary.LittleEndian.PutUint64(a[56:], realSize)
	copy(a[64:], runs)
	return a
}

func utf16Bytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return b
}

func fileNameStream(name string, isDir bool, size uint64, ns byte) []byte {
	nb := utf16Bytes(name)
	fn := make([]byte, 66+len(nb))
	binary.LittleEndian.PutUint64(fn, recordRoot)
	if isDir {
		binary.LittleEndian.PutUint32(fn[56:], fileAttrDirectory)
	} else {
		binary.LittleEndian.PutUint64(fn[48:], size)
	}
	fn[64] = byte(len(nb) / 2)
	fn[65] = ns
	copy(fn[66:], nb)
	return fn
}

func indexEntry(recordNum uint64, fn []byte) []byte {
	e := make([]byte, align8(16+len(fn)))
	binary.LittleEndian.PutUint64(e, recordNum|0x0001000000000000)
	binary.LittleEndian.PutUint16(e[8:], uint16(len(e)))
	binary.LittleEndian.PutUint16(e[10:], uint16(len(fn)))
	copy(e[16:], fn)
	return e
}

func lastIndexEntry() []byte {
	e := make([]byte, 16)
	binary.LittleEndian.PutUint16(e[8:], 16)
	e[12] = indexEntryLast
	return e
}

func indexRootAttr(hasSubnodes bool, entries ...[]byte) []byte {
	var body []byte
	for _, e := range entries {
		body = append(body, e...)
	}
	val := make([]byte, 32, 32+len(body))
	binary.LittleEndian.PutUint32(val, attrFileName)
	binary.LittleEndian.PutUint32(val[4:], 1)
	binary.LittleEndian.PutUint32(val[8:], tBPC)
	val[12] = 1
	binary.LittleEndian.PutUint32(val[16:], 16)
	binary.LittleEndian.PutUint32(val[20:], uint32(16+len(body)))
	binary.LittleEndian.PutUint32(val[24:], uint32(16+len(body)))
	if hasSubnodes {
		val[28] = 1
	}
	val = append(val, body...)
	return residentAttr(attrIndexRoot, val)
}

func indxBlock(vcn uint64, entries ...[]byte) []byte {
	blk := make([]byte, tBPC)
	copy(blk, "INDX")
	binary.LittleEndian.PutUint64(blk[16:], vcn)
	var body []byte
	for _, e := range entries {
		body = append(body, e...)
	}
	binary.LittleEndian.PutUint32(blk[24:], 40) // entries begin at 24+40
	binary.LittleEndian.PutUint32(blk[28:], uint32(40+len(body)))
	binary.LittleEndian.PutUint32(blk[32:], tBPC-24)
	copy(blk[64:], body)
	protect(blk, 40)
	return blk
}

func attrListDataEntry(refNum uint64) []byte {
	e := make([]byte, 32)
	binary.LittleEndian.PutUint32(e, attrData)
	binary.LittleEndian.PutUint16(e[4:], 32)
	binary.LittleEndian.PutUint64(e[16:], refNum)
	return e
}

// attrListNamedEntry builds an $ATTRIBUTE_LIST entry carrying an
// attribute name, the shape index attributes ("$I30") take.
func attrListNamedEntry(typ uint32, name string, refNum uint64) []byte {
	nb := utf16Bytes(name)
	e := make([]byte, align8(26+len(nb)))
	binary.LittleEndian.PutUint32(e, typ)
	binary.LittleEndian.PutUint16(e[4:], uint16(len(e)))
	e[6] = byte(len(nb) / 2)
	e[7] = 26
	binary.LittleEndian.PutUint64(e[16:], refNum)
	copy(e[26:], nb)
	return e
}

func namedNonResidentAttr(typ uint32, name string, runs []byte, lastVCN, allocSize, realSize uint64) []byte {
	nb := utf16Bytes(name)
	runsOff := align8(64 + len(nb))
	a := make([]byte, align8(runsOff+len(runs)))
	binary.LittleEndian.PutUint32(a, typ)
	binary.LittleEndian.PutUint32(a[4:], uint32(len(a)))
	a[8] = 1
	a[9] = byte(len(nb) / 2)
	binary.LittleEndian.PutUint16(a[10:], 64)
	binary.LittleEndian.PutUint64(a[24:], lastVCN)
	binary.LittleEndian.PutUint16(a[32:], uint16(runsOff))
	binary.LittleEndian.PutUint64(a[40:], allocSize)
	binary.LittleEndian.PutUint64(a[48:], realSize)
	binary.LittleEndian.PutUint64(a[56:], realSize)
	copy(a[64:], nb)
	copy(a[runsOff:], runs)
	return a
}

func pattern(n, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*7 + seed*131) % 251)
	}
	return b
}

// buildTestImage assembles a small but complete NTFS volume:
//
//	/readme.txt      resident data
//	/big.bin         two runs, the second at a lower LCN
//	/sparse.dat      data run, sparse run, data run, short tail
//	/split.bin       $DATA in an extension record via $ATTRIBUTE_LIST
//	/Duplicated.txt  indexed under both a Win32 and a DOS name
//	/sub/inner.txt   nested directory
//	/bigdir/file00..file79  entries in two INDEX_ALLOCATION blocks
func buildTestImage() *ntfsImage {
	img := newNTFSImage()

	img.putRecord(recordMFT, buildRecord(mftFlagInUse,
		nonResidentAttr(attrData, []byte{0x11, 0x08, 0x02}, 7, 32768, 32768)))
	img.putRecord(recordVolume, buildRecord(mftFlagInUse,
		residentAttr(attrVolumeName, utf16Bytes("TESTDATA"))))

	// Clusters 0-27 allocated, 36 of 64 free.
	bitmap := make([]byte, 8)
	bitmap[0], bitmap[1], bitmap[2], bitmap[3] = 0xFF, 0xFF, 0xFF, 0x0F
	img.putRecord(recordBitmap, buildRecord(mftFlagInUse,
		residentAttr(attrData, bitmap)))

	img.putRecord(recordRoot, buildRecord(mftFlagInUse|mftFlagDirectory,
		indexRootAttr(false,
			indexEntry(17, fileNameStream("big.bin", false, 8192, nsWin32)),
			indexEntry(22, fileNameStream("bigdir", true, 0, nsWin32)),
			indexEntry(20, fileNameStream("Duplicated.txt", false, 4, nsWin32)),
			indexEntry(20, fileNameStream("DUPLIC~1.TXT", false, 4, nsDOS)),
			indexEntry(16, fileNameStream("readme.txt", false, 11, nsWin32)),
			indexEntry(18, fileNameStream("sparse.dat", false, 12192, nsWin32)),
			indexEntry(23, fileNameStream("split.bin", false, 4096, nsWin32)),
			indexEntry(19, fileNameStream("sub", true, 0, nsWin32)),
			lastIndexEntry())))

	img.putRecord(16, buildRecord(mftFlagInUse,
		residentAttr(attrData, []byte("hello ntfs\n"))))

	// big.bin: VCN 0 at cluster 20, VCN 1 at cluster 12. The second
	// run's LCN delta is -8, exercising sign extension on real data.
	img.putRecord(17, buildRecord(mftFlagInUse,
		nonResidentAttr(attrData,
			[]byte{0x11, 0x01, 0x14, 0x11, 0x01, 0xF8}, 1, 8192, 8192)))
	img.writeCluster(20, pattern(tBPC, 1))
	img.writeCluster(12, pattern(tBPC, 2))

	// sparse.dat: cluster 13, a one-cluster hole, cluster 14, with
	// the real size cutting the last cluster short.
	img.putRecord(18, buildRecord(mftFlagInUse,
		nonResidentAttr(attrData,
			[]byte{0x11, 0x01, 0x0D, 0x01, 0x01, 0x11, 0x01, 0x01}, 2, 12288, 12192)))
	img.writeCluster(13, bytes.Repeat([]byte{'A'}, tBPC))
	img.writeCluster(14, bytes.Repeat([]byte{'B'}, tBPC))

	img.putRecord(19, buildRecord(mftFlagInUse|mftFlagDirectory,
		indexRootAttr(false,
			indexEntry(21, fileNameStream("inner.txt", false, 13, nsWin32)),
			lastIndexEntry())))
	img.putRecord(20, buildRecord(mftFlagInUse,
		residentAttr(attrData, []byte("dup!"))))
	img.putRecord(21, buildRecord(mftFlagInUse,
		residentAttr(attrData, []byte("inner content"))))

	// bigdir: empty INDEX_ROOT flagged as having sub-nodes, with all
	// entries in two INDX blocks at clusters 24 and 25.
	img.putRecord(22, buildRecord(mftFlagInUse|mftFlagDirectory,
		indexRootAttr(true, lastIndexEntry()),
		nonResidentAttr(attrIndexAlloc, []byte{0x11, 0x02, 0x18}, 1, 8192, 8192)))
	var first, second [][]byte
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("file%02d", i)
		first = append(first, indexEntry(uint64(1000+i), fileNameStream(name, false, uint64(i), nsWin32)))
	}
	for i := 40; i < 80; i++ {
		name := fmt.Sprintf("file%02d", i)
		second = append(second, indexEntry(uint64(1000+i), fileNameStream(name, false, uint64(i), nsWin32)))
	}
	img.writeCluster(24, indxBlock(0, append(first, lastIndexEntry())...))
	img.writeCluster(25, indxBlock(8, append(second, lastIndexEntry())...))

	// split.bin: the base record holds only an attribute list whose
	// $DATA entry points at extension record 24.
	img.putRecord(23, buildRecord(mftFlagInUse,
		residentAttr(attrAttributeList, attrListDataEntry(24))))
	img.putRecord(24, buildRecord(mftFlagInUse,
		nonResidentAttr(attrData, []byte{0x11, 0x01, 0x1A}, 0, 4096, 4096)))
	img.writeCluster(26, pattern(tBPC, 3))

	return img
}

func mountTestVolume(t *testing.T, img *ntfsImage) *Volume {
	t.Helper()
	vol, err := Mount(context.Background(), img.device(t), volume.Options{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return vol
}

func TestMountViaRegistry(t *testing.T) {
	ctx := context.Background()
	fs, err := volume.Mount(ctx, buildTestImage().device(t), volume.Options{})
	if err != nil {
		t.Fatalf("volume.Mount: %v", err)
	}
	defer fs.Unmount(ctx)

	label, err := fs.Label(ctx)
	if err != nil {
		t.Fatalf("Label: %v", err)
	}
	if label != "TESTDATA" {
		t.Errorf("label = %q, want TESTDATA", label)
	}

	info, err := fs.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Format != volume.FormatNTFS {
		t.Errorf("format = %v, want ntfs", info.Format)
	}
	if want := uint64(tClusters * tSPC * tBPS); info.TotalBytes != want {
		t.Errorf("total bytes = %d, want %d", info.TotalBytes, want)
	}
	if want := uint64(36 * tBPC); info.FreeBytes != want {
		t.Errorf("free bytes = %d, want %d", info.FreeBytes, want)
	}
	if info.ClusterSize != tBPC {
		t.Errorf("cluster size = %d, want %d", info.ClusterSize, tBPC)
	}
}

func TestMountRejectsCorruptBoot(t *testing.T) {
	ctx := context.Background()

	corruptions := []struct {
		name   string
		mangle func(img *ntfsImage)
	}{
		{"bad_oem", func(img *ntfsImage) { img.buf[3] = 'X' }},
		{"zero_sectors_per_cluster", func(img *ntfsImage) { img.buf[13] = 0 }},
		{"bad_sector_size", func(img *ntfsImage) { binary.LittleEndian.PutUint16(img.buf[11:], 300) }},
		{"huge_record_size", func(img *ntfsImage) { img.buf[64] = 40 }},
		{"huge_index_block", func(img *ntfsImage) { img.buf[68] = 120 }},
	}
	for _, tc := range corruptions {
		t.Run(tc.name, func(t *testing.T) {
			img := buildTestImage()
			tc.mangle(img)
			if _, err := Mount(ctx, img.device(t), volume.Options{}); !errors.Is(err, volume.ErrCorrupt) {
				t.Errorf("Mount = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestReadDirRoot(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	entries, err := vol.ReadDir(ctx, "/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	want := []volume.Entry{
		{Name: "Duplicated.txt", Size: 4},
		{Name: "big.bin", Size: 8192},
		{Name: "bigdir", IsDir: true},
		{Name: "readme.txt", Size: 11},
		{Name: "sparse.dat", Size: 12192},
		{Name: "split.bin", Size: 4096},
		{Name: "sub", IsDir: true},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries %v, want %d", len(entries), entries, len(want))
	}
	for i, w := range want {
		if entries[i] != w {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], w)
		}
	}
}

func TestReadFile(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	got, err := vol.ReadFile(ctx, "/readme.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello ntfs\n" {
		t.Errorf("content = %q", got)
	}

	got, err = vol.ReadFile(ctx, "/sub/inner.txt")
	if err != nil {
		t.Fatalf("ReadFile nested: %v", err)
	}
	if string(got) != "inner content" {
		t.Errorf("nested content = %q", got)
	}
}

func TestReadFileMultiRun(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	got, err := vol.ReadFile(ctx, "/big.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := append(pattern(tBPC, 1), pattern(tBPC, 2)...)
	if !bytes.Equal(got, want) {
		t.Errorf("multi-run content does not match (len %d, want %d)", len(got), len(want))
	}
}

func TestSparseRead(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	got, err := vol.ReadFile(ctx, "/sparse.dat")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 12192 {
		t.Fatalf("size = %d, want 12192", len(got))
	}
	if !bytes.Equal(got[:tBPC], bytes.Repeat([]byte{'A'}, tBPC)) {
		t.Error("first cluster does not match")
	}
	if !bytes.Equal(got[tBPC:2*tBPC], make([]byte, tBPC)) {
		t.Error("sparse hole did not read as zeros")
	}
	if !bytes.Equal(got[2*tBPC:], bytes.Repeat([]byte{'B'}, 12192-2*tBPC)) {
		t.Error("tail cluster does not match")
	}
}

func TestAttributeListFile(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	got, err := vol.ReadFile(ctx, "/split.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, pattern(tBPC, 3)) {
		t.Errorf("attribute-list content does not match (len %d)", len(got))
	}
	size, err := vol.FileSize(ctx, "/split.bin")
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if size != tBPC {
		t.Errorf("size = %d, want %d", size, tBPC)
	}
}

func TestLargeDirectory(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	entries, err := vol.ReadDir(ctx, "/bigdir")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 80 {
		t.Fatalf("got %d entries, want 80", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("file%02d", i)
		if e.Name != want {
			t.Errorf("entry %d = %q, want %q", i, e.Name, want)
		}
		if e.Size != uint64(i) {
			t.Errorf("entry %q size = %d, want %d", e.Name, e.Size, i)
		}
	}
}

func TestSplitDirectoryIndex(t *testing.T) {
	ctx := context.Background()
	img := buildTestImage()

	// /sub gains a child directory whose INDEX_ALLOCATION lives in an
	// extension record reached through $ATTRIBUTE_LIST. Both the list
	// entry and the attribute itself carry the "$I30" name, as real
	// directory indexes do.
	img.putRecord(19, buildRecord(mftFlagInUse|mftFlagDirectory,
		indexRootAttr(false,
			indexEntry(21, fileNameStream("inner.txt", false, 13, nsWin32)),
			indexEntry(25, fileNameStream("jumbo", true, 0, nsWin32)),
			lastIndexEntry())))
	list := append(attrListNamedEntry(attrIndexRoot, "$I30", 25),
		attrListNamedEntry(attrIndexAlloc, "$I30", 26)...)
	img.putRecord(25, buildRecord(mftFlagInUse|mftFlagDirectory,
		indexRootAttr(true, lastIndexEntry()),
		residentAttr(attrAttributeList, list)))
	img.putRecord(26, buildRecord(mftFlagInUse|mftFlagDirectory,
		namedNonResidentAttr(attrIndexAlloc, "$I30", []byte{0x11, 0x01, 0x1B}, 0, 4096, 4096)))
	img.writeCluster(27, indxBlock(0,
		indexEntry(1000, fileNameStream("alpha.txt", false, 4, nsWin32)),
		indexEntry(1001, fileNameStream("bravo.txt", false, 4, nsWin32)),
		lastIndexEntry()))

	vol := mountTestVolume(t, img)
	entries, err := vol.ReadDir(ctx, "/sub/jumbo")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for i, want := range []string{"alpha.txt", "bravo.txt"} {
		if entries[i].Name != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Name, want)
		}
		if entries[i].Size != 4 {
			t.Errorf("entry %q size = %d, want 4", entries[i].Name, entries[i].Size)
		}
	}
}

func TestNameDedupAndAliases(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	entries, err := vol.ReadDir(ctx, "/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	seen := 0
	for _, e := range entries {
		switch e.Name {
		case "Duplicated.txt":
			seen++
		case "DUPLIC~1.TXT":
			t.Error("DOS short name leaked into the listing")
		}
	}
	if seen != 1 {
		t.Errorf("Duplicated.txt listed %d times, want 1", seen)
	}

	// The short name still resolves, as do case variants.
	for _, path := range []string{"/Duplicated.txt", "/DUPLIC~1.TXT", "/duplicated.TXT", "/README.TXT"} {
		ok, err := vol.Exists(ctx, path)
		if err != nil {
			t.Fatalf("Exists(%q): %v", path, err)
		}
		if !ok {
			t.Errorf("Exists(%q) = false", path)
		}
	}
	got, err := vol.ReadFile(ctx, "/DUPLIC~1.TXT")
	if err != nil {
		t.Fatalf("ReadFile by short name: %v", err)
	}
	if string(got) != "dup!" {
		t.Errorf("short-name content = %q", got)
	}
}

func TestErrorPaths(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	if _, err := vol.ReadFile(ctx, "/nope.txt"); !errors.Is(err, volume.ErrNotFound) {
		t.Errorf("ReadFile missing = %v, want ErrNotFound", err)
	}
	if _, err := vol.ReadDir(ctx, "/readme.txt"); !errors.Is(err, volume.ErrNotDir) {
		t.Errorf("ReadDir on file = %v, want ErrNotDir", err)
	}
	if _, err := vol.ReadFile(ctx, "/sub"); !errors.Is(err, volume.ErrIsDir) {
		t.Errorf("ReadFile on dir = %v, want ErrIsDir", err)
	}
	if _, err := vol.FileSize(ctx, "/sub"); !errors.Is(err, volume.ErrIsDir) {
		t.Errorf("FileSize on dir = %v, want ErrIsDir", err)
	}
	if _, err := vol.ReadFile(ctx, "/readme.txt/below"); !errors.Is(err, volume.ErrNotDir) {
		t.Errorf("traversal through file = %v, want ErrNotDir", err)
	}
	ok, err := vol.Exists(ctx, "/nope.txt")
	if err != nil || ok {
		t.Errorf("Exists missing = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMutatorsReadOnly(t *testing.T) {
	ctx := context.Background()
	vol := mountTestVolume(t, buildTestImage())

	checks := []struct {
		name string
		err  error
	}{
		{"WriteFile", vol.WriteFile(ctx, "/new.txt", []byte("x"))},
		{"Mkdir", vol.Mkdir(ctx, "/newdir")},
		{"Rename", vol.Rename(ctx, "/readme.txt", "/moved.txt")},
		{"Delete", vol.Delete(ctx, "/readme.txt")},
		{"SetLabel", vol.SetLabel(ctx, "NEW")},
	}
	for _, c := range checks {
		if !errors.Is(c.err, volume.ErrReadOnly) {
			t.Errorf("%s = %v, want ErrReadOnly", c.name, c.err)
		}
	}
}

func TestFixupRejection(t *testing.T) {
	ctx := context.Background()
	img := buildTestImage()

	// Tear record 16 by mangling the tick bytes at the end of its
	// first sector, as an interrupted write would.
	off := tMFTCluster*tBPC + 16*tRecordSize + tBPS - 2
	img.buf[off] ^= 0xFF
	img.buf[off+1] ^= 0xFF

	vol := mountTestVolume(t, img)
	if _, err := vol.ReadFile(ctx, "/readme.txt"); !errors.Is(err, volume.ErrCorrupt) {
		t.Errorf("ReadFile on torn record = %v, want ErrCorrupt", err)
	}
}

func TestIndexBlockFixupRejection(t *testing.T) {
	ctx := context.Background()
	img := buildTestImage()

	// Tear the first INDX block of /bigdir (cluster 24) the same
	// way: mangle the tick bytes closing its first sector.
	off := 24*tBPC + tBPS - 2
	img.buf[off] ^= 0xFF
	img.buf[off+1] ^= 0xFF

	vol := mountTestVolume(t, img)
	if _, err := vol.ReadDir(ctx, "/bigdir"); !errors.Is(err, volume.ErrCorrupt) {
		t.Errorf("ReadDir over torn INDX block = %v, want ErrCorrupt", err)
	}
}

func TestApplyFixup(t *testing.T) {
	orig := make([]byte, 1024)
	for i := range orig {
		orig[i] = byte(i % 253)
	}
	copy(orig, "FILE")

	buf := append([]byte(nil), orig...)
	protect(buf, 48)
	if err := applyFixup(buf, tBPS); err != nil {
		t.Fatalf("applyFixup: %v", err)
	}
	// The protected sector-end bytes must be restored.
	for _, off := range []int{510, 511, 1022, 1023} {
		if buf[off] != orig[off] {
			t.Errorf("byte %d = %#02x, want %#02x", off, buf[off], orig[off])
		}
	}

	torn := append([]byte(nil), orig...)
	protect(torn, 48)
	torn[1022] ^= 0x01
	if err := applyFixup(torn, tBPS); !errors.Is(err, volume.ErrCorrupt) {
		t.Errorf("applyFixup on torn buffer = %v, want ErrCorrupt", err)
	}

	short := append([]byte(nil), orig...)
	protect(short, 48)
	binary.LittleEndian.PutUint16(short[6:], 2) // claims one sector for two
	if err := applyFixup(short, tBPS); !errors.Is(err, volume.ErrCorrupt) {
		t.Errorf("applyFixup with bad count = %v, want ErrCorrupt", err)
	}

	// usa_count below 2 means nothing to fix.
	if err := applyFixup(make([]byte, 1024), tBPS); err != nil {
		t.Errorf("applyFixup on zero buffer = %v, want nil", err)
	}
}

func TestParseDataRuns(t *testing.T) {
	tests := []struct {
		name    string
		runs    []byte
		want    []extent
		wantErr bool
	}{
		{
			name: "contiguous",
			runs: []byte{0x11, 0x08, 0x02, 0x00},
			want: []extent{{vcn: 0, lcn: 2, length: 8}},
		},
		{
			name: "negative_one_byte_delta",
			runs: []byte{0x11, 0x01, 0x14, 0x11, 0x01, 0xF8, 0x00},
			want: []extent{{vcn: 0, lcn: 20, length: 1}, {vcn: 1, lcn: 12, length: 1}},
		},
		{
			name: "negative_two_byte_delta",
			runs: []byte{0x21, 0x04, 0x00, 0x02, 0x21, 0x04, 0x38, 0xFF, 0x00},
			want: []extent{{vcn: 0, lcn: 512, length: 4}, {vcn: 4, lcn: 312, length: 4}},
		},
		{
			name: "sparse_run",
			runs: []byte{0x11, 0x02, 0x05, 0x01, 0x03, 0x11, 0x01, 0x01, 0x00},
			want: []extent{
				{vcn: 0, lcn: 5, length: 2},
				{vcn: 2, length: 3, sparse: true},
				{vcn: 5, lcn: 6, length: 1},
			},
		},
		{
			name:    "lcn_below_zero",
			runs:    []byte{0x11, 0x01, 0x01, 0x11, 0x01, 0xFD, 0x00},
			wantErr: true,
		},
		{
			name:    "zero_length_run",
			runs:    []byte{0x11, 0x00, 0x05, 0x00},
			wantErr: true,
		},
		{
			name:    "zero_length_size",
			runs:    []byte{0x10, 0x05, 0x00},
			wantErr: true,
		},
		{
			name:    "truncated",
			runs:    []byte{0x21, 0x04, 0x00},
			wantErr: true,
		},
		{
			name:    "empty",
			runs:    []byte{0x00},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseDataRuns(tc.runs)
			if tc.wantErr {
				if !errors.Is(err, volume.ErrCorrupt) {
					t.Fatalf("parseDataRuns = %v, want ErrCorrupt", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDataRuns: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d extents %v, want %d", len(got), got, len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("extent %d = %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
