// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/volumefs/lib/volume"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// It is created if it does not exist.
	Mountpoint string

	// Volume is the mounted filesystem to expose. It must stay
	// mounted for the lifetime of the FUSE server.
	Volume volume.Filesystem

	// AllowOther permits other users (including root) to access
	// the mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Mount exposes the volume at the configured mountpoint. The caller
// must call Unmount on the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Volume == nil {
		return nil, fmt.Errorf("volume is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{options: &options, path: "/"}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "volumefs",
			Name:       "volumefs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("volume FUSE filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// errno maps driver errors onto FUSE errnos. Anything the volume
// layer does not classify is an I/O error.
func errno(err error) syscall.Errno {
	switch {
	case errors.Is(err, volume.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, volume.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, volume.ErrIsDir):
		return syscall.EISDIR
	default:
		return syscall.EIO
	}
}

// childPath joins a directory path and an entry name. The root is
// stored as "/" so only it needs the separator suppressed.
func childPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// dirNode is a directory inside the volume, identified by its
// absolute path.
type dirNode struct {
	gofuse.Inode
	options *Options
	path    string
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o555
	return 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := childPath(d.path, name)

	// FileSize classifies the path in one call: directories report
	// ErrIsDir, missing entries ErrNotFound.
	size, err := d.options.Volume.FileSize(ctx, path)
	switch {
	case err == nil:
		node := &fileNode{options: d.options, path: path, size: size}
		child := d.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
		out.Mode = syscall.S_IFREG | 0o444
		out.Size = size
		return child, 0

	case errors.Is(err, volume.ErrIsDir):
		child := d.NewPersistentInode(ctx, &dirNode{
			options: d.options,
			path:    path,
		}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		out.Mode = syscall.S_IFDIR | 0o555
		return child, 0

	case errors.Is(err, volume.ErrNotFound):
		return nil, syscall.ENOENT

	default:
		d.options.Logger.Error("lookup failed", "path", path, "error", err)
		return nil, errno(err)
	}
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	listing, err := d.options.Volume.ReadDir(ctx, d.path)
	if err != nil {
		d.options.Logger.Error("readdir failed", "path", d.path, "error", err)
		return nil, errno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, entry := range listing {
		mode := uint32(syscall.S_IFREG)
		if entry.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: entry.Name, Mode: mode})
	}
	return &sliceDirStream{entries: entries}, 0
}

// fileNode is a regular file inside the volume. Content is loaded
// once on first open and served from memory.
type fileNode struct {
	gofuse.Inode
	options *Options
	path    string
	size    uint64

	// mu protects content (lazy initialization).
	mu      sync.Mutex
	content []byte
	loaded  bool
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = f.size
	out.Blocks = (f.size + 511) / 512
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	if err := f.ensureContent(ctx); err != nil {
		f.options.Logger.Error("read failed", "path", f.path, "error", err)
		return nil, 0, errno(err)
	}
	// The bridge owns the only handle on the volume, so the kernel
	// page cache never goes stale.
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if err := f.ensureContent(ctx); err != nil {
		return nil, errno(err)
	}
	if off < 0 || off >= int64(len(f.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(f.content)) {
		end = int64(len(f.content))
	}
	return fuse.ReadResultData(f.content[off:end]), 0
}

func (f *fileNode) ensureContent(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return nil
	}
	content, err := f.options.Volume.ReadFile(ctx, f.path)
	if err != nil {
		return err
	}
	f.content = content
	f.loaded = true
	return nil
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
