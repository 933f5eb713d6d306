package fusefs

import (
	"context"
	"fmt"
	"syscall"
	"testing"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/internal/service"
)

func newTestFS() *MirrorFS {
	return New(Config{DaemonURL: "http://127.0.0.1:1"})
}

func TestInoAllocationStable(t *testing.T) {
	m := newTestFS()

	if ino := m.inoFor(meta.RootID); ino != rootIno {
		t.Errorf("root ino = %d, want %d", ino, rootIno)
	}

	a := m.inoFor("file-a")
	b := m.inoFor("file-b")
	if a == b {
		t.Error("distinct IDs share an inode number")
	}
	if a < firstDynamicIno || b < firstDynamicIno {
		t.Errorf("dynamic inos %d, %d below reserved range", a, b)
	}

	// Same ID always maps to the same ino.
	if again := m.inoFor("file-a"); again != a {
		t.Errorf("ino changed across calls: %d then %d", a, again)
	}

	// And the reverse mapping agrees.
	id, ok := m.idFor(a)
	if !ok || id != "file-a" {
		t.Errorf("idFor(%d) = %q, %v", a, id, ok)
	}
	if _, ok := m.idFor(9999); ok {
		t.Error("idFor invented a mapping")
	}
}

func TestFillAttr(t *testing.T) {
	rec := &meta.Metadata{
		ID:                  "f1",
		Name:                "a.bin",
		Size:                1025,
		Kind:                meta.KindFile,
		Permissions:         0o644,
		LastAccessed:        meta.Timestamp{Sec: 100, Nsec: 7},
		LastModified:        meta.Timestamp{Sec: 200, Nsec: 8},
		LastMetadataChanged: meta.Timestamp{Sec: 300, Nsec: 9},
	}

	var attr gofuse.Attr
	fillAttr(&attr, rec, 42)

	if attr.Ino != 42 {
		t.Errorf("Ino = %d", attr.Ino)
	}
	if attr.Size != 1025 {
		t.Errorf("Size = %d", attr.Size)
	}
	if attr.Blocks != 3 {
		t.Errorf("Blocks = %d, want 3 for 1025 bytes", attr.Blocks)
	}
	if attr.Mode != syscall.S_IFREG|0o644 {
		t.Errorf("Mode = %o", attr.Mode)
	}
	if attr.Mtime != 200 || attr.Mtimensec != 8 {
		t.Errorf("Mtime = %d.%d", attr.Mtime, attr.Mtimensec)
	}
	if attr.Atime != 100 || attr.Ctime != 300 {
		t.Errorf("Atime = %d, Ctime = %d", attr.Atime, attr.Ctime)
	}
}

func TestFillAttrKinds(t *testing.T) {
	tests := []struct {
		kind meta.Kind
		want uint32
	}{
		{meta.KindFile, syscall.S_IFREG},
		{meta.KindDirectory, syscall.S_IFDIR},
		{meta.KindSymlink, syscall.S_IFLNK},
	}
	for _, tt := range tests {
		var attr gofuse.Attr
		fillAttr(&attr, &meta.Metadata{Kind: tt.kind, Permissions: 0o755}, 1)
		if attr.Mode&syscall.S_IFMT != tt.want {
			t.Errorf("kind %s: mode %o missing type bits %o", tt.kind, attr.Mode, tt.want)
		}
	}
}

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{service.ErrNotFound, syscall.ENOENT},
		{service.ErrInvalidPath, syscall.EINVAL},
		{service.ErrTransport, syscall.EREMOTEIO},
		{service.ErrRemote, syscall.EREMOTEIO},
		{service.ErrUnsupported, syscall.ENOSYS},
		{fmt.Errorf("wrapped: %w", service.ErrNotFound), syscall.ENOENT},
		{fmt.Errorf("something else"), syscall.EIO},
	}
	for _, tt := range tests {
		if got := errnoFor(tt.err); got != tt.want {
			t.Errorf("errnoFor(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestOpenHandleCounting(t *testing.T) {
	m := newTestFS()

	if n := m.OpenHandleCount("f1"); n != 0 {
		t.Errorf("fresh count = %d", n)
	}

	m.addHandle("f1")
	m.addHandle("f1")
	if n := m.OpenHandleCount("f1"); n != 2 {
		t.Errorf("count after two opens = %d", n)
	}

	h := &mirrorHandle{fsys: m, id: "f1"}
	h.Release(context.Background())
	if n := m.OpenHandleCount("f1"); n != 1 {
		t.Errorf("count after one release = %d", n)
	}
	h.Release(context.Background())
	if n := m.OpenHandleCount("f1"); n != 0 {
		t.Errorf("count after final release = %d", n)
	}
}

func TestConnectDegradedWhenUnreachable(t *testing.T) {
	m := newTestFS()
	// Nothing listens on the configured address; the mount must still
	// come up.
	if err := m.Connect(context.Background()); err != nil {
		t.Errorf("Connect: %v", err)
	}
}
