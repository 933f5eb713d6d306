// Package fusefs adapts the daemon's mirror into a read-only FUSE
// filesystem. Kernel inode numbers are ephemeral surrogates for remote
// IDs: the mapping is allocated per mount and never persisted.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/drivemirror/drivemirror/internal/logging"
	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/internal/service"
)

// blockSize is the block unit reported to the kernel.
const blockSize = 512

// rootIno is the kernel's fixed inode number for the mount root.
const rootIno = 1

// firstDynamicIno is where allocation for non-root objects starts,
// leaving room below for reserved inode numbers.
const firstDynamicIno = 222

// Stats holds filesystem counters.
type Stats struct {
	Lookups         atomic.Int64
	MetadataFetches atomic.Int64
	DirReads        atomic.Int64
	SyncErrors      atomic.Int64
	RemoteErrors    atomic.Int64
}

// MirrorFS owns the inode allocation state shared by all nodes of one
// mount.
type MirrorFS struct {
	client *service.Client
	cfg    Config

	mu      sync.Mutex
	inoByID map[meta.ID]uint64
	idByIno map[uint64]meta.ID
	nextIno uint64

	openHandles map[meta.ID]int

	stats Stats
}

// Config holds FUSE filesystem configuration.
type Config struct {
	DaemonURL string
	Timeout   time.Duration
	Debug     bool
}

// New creates a filesystem over the daemon at cfg.DaemonURL. The root
// mapping is seeded immediately; everything else is allocated on first
// sight.
func New(cfg Config) *MirrorFS {
	m := &MirrorFS{
		client: service.NewClient(service.ClientConfig{
			BaseURL: cfg.DaemonURL,
			Timeout: cfg.Timeout,
		}),
		cfg:         cfg,
		inoByID:     map[meta.ID]uint64{meta.RootID: rootIno},
		idByIno:     map[uint64]meta.ID{rootIno: meta.RootID},
		nextIno:     firstDynamicIno,
		openHandles: make(map[meta.ID]int),
	}
	return m
}

// Connect verifies the daemon is reachable and runs one sync so the
// mount starts from fresh state. A transport failure is not fatal; the
// mount comes up degraded and retries on access.
func (m *MirrorFS) Connect(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		if errors.Is(err, service.ErrTransport) {
			logging.Warn("daemon unreachable, mounting degraded", zap.Error(err))
			return nil
		}
		return fmt.Errorf("ping daemon: %w", err)
	}
	if err := m.client.Sync(ctx); err != nil && !errors.Is(err, service.ErrAlreadyRunning) {
		logging.Warn("initial sync failed", zap.Error(err))
		m.stats.SyncErrors.Add(1)
	}
	return nil
}

// inoFor returns the inode number for id, allocating one on first
// sight. The mapping is a bijection for the lifetime of the mount.
func (m *MirrorFS) inoFor(id meta.ID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ino, ok := m.inoByID[id]; ok {
		return ino
	}
	ino := m.nextIno
	m.nextIno++
	m.inoByID[id] = ino
	m.idByIno[ino] = id
	return ino
}

// idFor returns the remote ID behind an inode number.
func (m *MirrorFS) idFor(ino uint64) (meta.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idByIno[ino]
	return id, ok
}

func (m *MirrorFS) addHandle(id meta.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openHandles[id]++
}

func (m *MirrorFS) dropHandle(id meta.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openHandles[id] <= 1 {
		delete(m.openHandles, id)
		return
	}
	m.openHandles[id]--
}

// OpenHandleCount reports how many open file handles reference id.
func (m *MirrorFS) OpenHandleCount(id meta.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openHandles[id]
}

// GetStats returns a snapshot of the filesystem counters.
func (m *MirrorFS) GetStats() *Stats {
	return &m.stats
}

// Root returns the root node for mounting.
func (m *MirrorFS) Root() *MirrorNode {
	return &MirrorNode{fsys: m, id: meta.RootID}
}

// Mount mounts the filesystem at mountPoint and returns the server.
func (m *MirrorFS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      m.cfg.Debug,
			FsName:     "drivemirror",
			Name:       "drivemirror",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, m.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// errnoFor maps client errors onto errno values. Transport and provider
// failures surface as remote I/O errors so callers can tell them from
// local faults.
func errnoFor(err error) syscall.Errno {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, service.ErrInvalidPath):
		return syscall.EINVAL
	case errors.Is(err, service.ErrTransport), errors.Is(err, service.ErrRemote):
		return syscall.EREMOTEIO
	case errors.Is(err, service.ErrUnsupported):
		return syscall.ENOSYS
	default:
		return syscall.EIO
	}
}

// MirrorNode represents one remote object in the mounted tree.
type MirrorNode struct {
	fs.Inode

	fsys *MirrorFS
	id   meta.ID
}

var _ fs.InodeEmbedder = (*MirrorNode)(nil)
var _ fs.NodeGetattrer = (*MirrorNode)(nil)
var _ fs.NodeLookuper = (*MirrorNode)(nil)
var _ fs.NodeReaddirer = (*MirrorNode)(nil)
var _ fs.NodeOpener = (*MirrorNode)(nil)
var _ fs.NodeGetxattrer = (*MirrorNode)(nil)
var _ fs.NodeListxattrer = (*MirrorNode)(nil)
var _ fs.NodeStatfser = (*MirrorNode)(nil)

// fillAttr translates a metadata record into kernel attributes.
func fillAttr(attr *gofuse.Attr, m *meta.Metadata, ino uint64) {
	attr.Ino = ino
	attr.Size = m.Size
	attr.Blocks = (m.Size + blockSize - 1) / blockSize
	attr.Blksize = blockSize

	attr.Atime = uint64(m.LastAccessed.Sec)
	attr.Atimensec = m.LastAccessed.Nsec
	attr.Mtime = uint64(m.LastModified.Sec)
	attr.Mtimensec = m.LastModified.Nsec
	attr.Ctime = uint64(m.LastMetadataChanged.Sec)
	attr.Ctimensec = m.LastMetadataChanged.Nsec

	mode := uint32(m.Permissions)
	switch m.Kind {
	case meta.KindDirectory:
		mode |= syscall.S_IFDIR
	case meta.KindSymlink:
		mode |= syscall.S_IFLNK
	default:
		mode |= syscall.S_IFREG
	}
	attr.Mode = mode
	attr.Nlink = 1

	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
}

// Getattr returns attributes from the mirror. It never touches content.
func (n *MirrorNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	m, err := n.fsys.client.Metadata(ctx, n.id)
	if err != nil {
		n.fsys.stats.RemoteErrors.Add(1)
		return errnoFor(err)
	}
	n.fsys.stats.MetadataFetches.Add(1)
	fillAttr(&out.Attr, m, n.fsys.inoFor(n.id))
	return 0
}

// Lookup finds a child by name through the daemon's identity graph.
func (n *MirrorNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.Lookups.Add(1)

	childID, err := n.fsys.client.Lookup(ctx, n.id, name)
	if err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			n.fsys.stats.RemoteErrors.Add(1)
		}
		return nil, errnoFor(err)
	}

	m, err := n.fsys.client.Metadata(ctx, childID)
	if err != nil {
		n.fsys.stats.RemoteErrors.Add(1)
		return nil, errnoFor(err)
	}

	ino := n.fsys.inoFor(childID)
	fillAttr(&out.Attr, m, ino)

	child := &MirrorNode{fsys: n.fsys, id: childID}
	stable := fs.StableAttr{Mode: out.Attr.Mode, Ino: ino}
	return n.NewInode(ctx, child, stable), 0
}

// Readdir syncs remote changes first, then streams the listing.
func (n *MirrorNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.fsys.stats.DirReads.Add(1)

	// A pass already in flight is fine; the listing reflects it soon
	// enough.
	if err := n.fsys.client.Sync(ctx); err != nil && !errors.Is(err, service.ErrAlreadyRunning) {
		n.fsys.stats.SyncErrors.Add(1)
		logging.Warn("sync before readdir failed", zap.Error(err))
		if errors.Is(err, service.ErrTransport) || errors.Is(err, service.ErrRemote) {
			return nil, syscall.EREMOTEIO
		}
	}

	resp, err := n.fsys.client.Children(ctx, n.id, 0)
	if err != nil {
		n.fsys.stats.RemoteErrors.Add(1)
		return nil, errnoFor(err)
	}

	entries := make([]gofuse.DirEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		mode := uint32(syscall.S_IFREG)
		switch e.Kind {
		case meta.KindDirectory:
			mode = syscall.S_IFDIR
		case meta.KindSymlink:
			mode = syscall.S_IFLNK
		}
		entries = append(entries, gofuse.DirEntry{
			Name: e.Name,
			Mode: mode,
			Ino:  n.fsys.inoFor(e.ID),
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open hands out a counted handle. Content is not mirrored yet, so
// reads on the handle fail; directories are rejected outright.
func (n *MirrorNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&uint32(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	m, err := n.fsys.client.Metadata(ctx, n.id)
	if err != nil {
		n.fsys.stats.RemoteErrors.Add(1)
		return nil, 0, errnoFor(err)
	}
	if m.Kind == meta.KindDirectory {
		return nil, 0, syscall.EISDIR
	}

	n.fsys.addHandle(n.id)
	return &mirrorHandle{fsys: n.fsys, id: n.id}, 0, 0
}

// Getxattr serves the extra attributes carried in the metadata record.
func (n *MirrorNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	m, err := n.fsys.client.Metadata(ctx, n.id)
	if err != nil {
		return 0, errnoFor(err)
	}
	value, ok := m.ExtraAttributes[attr]
	if !ok {
		return 0, syscall.ENODATA
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists the extra attribute names.
func (n *MirrorNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	m, err := n.fsys.client.Metadata(ctx, n.id)
	if err != nil {
		return 0, errnoFor(err)
	}
	size := 0
	for name := range m.ExtraAttributes {
		size += len(name) + 1
	}
	if len(dest) < size {
		return uint32(size), syscall.ERANGE
	}
	off := 0
	for name := range m.ExtraAttributes {
		copy(dest[off:], name)
		off += len(name)
		dest[off] = 0
		off++
	}
	return uint32(size), 0
}

// Statfs reports block geometry; the remote does not expose capacity.
func (n *MirrorNode) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	out.Bsize = blockSize
	out.NameLen = 255
	return 0
}

// mirrorHandle is an open-file handle. It only exists to keep the open
// count accurate; content transfer is not implemented.
type mirrorHandle struct {
	fsys *MirrorFS
	id   meta.ID
}

var _ fs.FileReader = (*mirrorHandle)(nil)
var _ fs.FileReleaser = (*mirrorHandle)(nil)

func (h *mirrorHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	return nil, syscall.EIO
}

func (h *mirrorHandle) Release(ctx context.Context) syscall.Errno {
	h.fsys.dropHandle(h.id)
	return 0
}
