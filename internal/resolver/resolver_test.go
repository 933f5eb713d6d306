package resolver

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/drivemirror/drivemirror/internal/meta"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "graph.json"))
}

// checkMirrored verifies that the parents and children maps are inverses.
func checkMirrored(t *testing.T, r *Resolver) {
	t.Helper()
	for child, parents := range r.parents {
		for _, p := range parents {
			found := false
			for _, c := range r.children[p] {
				if c.ID == child {
					found = true
				}
			}
			if !found {
				t.Errorf("parents[%s] contains %s but children[%s] has no entry for it", child, p, p)
			}
		}
	}
	for parent, children := range r.children {
		for _, c := range children {
			found := false
			for _, p := range r.parents[c.ID] {
				if p == parent {
					found = true
				}
			}
			if !found {
				t.Errorf("children[%s] contains %s but parents[%s] does not list it", parent, c.ID, c.ID)
			}
		}
	}
}

func TestAddRemoveRelationship(t *testing.T) {
	r := newTestResolver(t)
	entry := DirEntry{ID: "a", Name: "a.txt", Kind: meta.KindFile}

	r.AddRelationship(meta.RootID, entry)
	checkMirrored(t, r)

	ps, err := r.Parents("a")
	if err != nil {
		t.Fatalf("Parents: %v", err)
	}
	if len(ps) != 1 || ps[0] != meta.RootID {
		t.Errorf("Parents(a) = %v, want [root]", ps)
	}

	cs, err := r.Children(meta.RootID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(cs) != 1 || cs[0] != entry {
		t.Errorf("Children(root) = %v, want [%v]", cs, entry)
	}

	r.RemoveRelationship(meta.RootID, "a")
	checkMirrored(t, r)
	if cs, _ := r.Children(meta.RootID); len(cs) != 0 {
		t.Errorf("Children(root) after remove = %v, want empty", cs)
	}

	// Removing a relationship that does not exist is a no-op.
	r.RemoveRelationship(meta.RootID, "a")
	r.RemoveRelationship("ghost", "a")
	checkMirrored(t, r)
}

func TestMultipleParents(t *testing.T) {
	r := newTestResolver(t)
	m := &meta.Metadata{ID: "shared", Name: "doc.txt", Kind: meta.KindFile}

	r.AddRelationshipsForMeta([]meta.ID{"dir-a", "dir-b"}, m)
	checkMirrored(t, r)

	ps, err := r.Parents("shared")
	if err != nil {
		t.Fatalf("Parents: %v", err)
	}
	if len(ps) != 2 {
		t.Errorf("Parents(shared) = %v, want two entries", ps)
	}

	r.RemoveRelationshipsForID([]meta.ID{"dir-a"}, "shared")
	checkMirrored(t, r)
	ps, _ = r.Parents("shared")
	if len(ps) != 1 || ps[0] != "dir-b" {
		t.Errorf("Parents(shared) = %v, want [dir-b]", ps)
	}
}

func TestParentsUnknownID(t *testing.T) {
	r := newTestResolver(t)
	if _, err := r.Parents("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Parents(unknown) = %v, want ErrNotFound", err)
	}
	if _, err := r.Children("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Children(unknown) = %v, want ErrNotFound", err)
	}
}

func TestIDByParentAndName(t *testing.T) {
	r := newTestResolver(t)
	r.AddRelationship(meta.RootID, DirEntry{ID: "a", Name: "a.txt", Kind: meta.KindFile})

	id, ok := r.IDByParentAndName(meta.RootID, "a.txt")
	if !ok || id != "a" {
		t.Errorf("IDByParentAndName = (%s, %v), want (a, true)", id, ok)
	}

	if _, ok := r.IDByParentAndName(meta.RootID, "missing"); ok {
		t.Error("IDByParentAndName(missing) = ok, want miss")
	}
	if _, ok := r.IDByParentAndName("unknown-parent", "a.txt"); ok {
		t.Error("IDByParentAndName under unknown parent = ok, want miss")
	}
}

func TestResolvePath(t *testing.T) {
	r := newTestResolver(t)
	r.AddRelationship(meta.RootID, DirEntry{ID: "dir", Name: "docs", Kind: meta.KindDirectory})
	r.AddRelationship("dir", DirEntry{ID: "file", Name: "readme.md", Kind: meta.KindFile})

	tests := []struct {
		path    string
		want    meta.ID
		wantErr error
	}{
		{"/", meta.RootID, nil},
		{"", meta.RootID, nil},
		{"docs", "dir", nil},
		{"/docs", "dir", nil},
		{"/docs/readme.md", "file", nil},
		{"docs/readme.md/", "file", nil},
		{"/docs/missing", "", ErrNotFound},
		{"/missing/readme.md", "", ErrNotFound},
		{"/docs//readme.md", "", ErrInvalidPath},
		{"/docs/../readme.md", "", ErrInvalidPath},
	}

	for _, tt := range tests {
		got, err := r.ResolvePath(tt.path)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ResolvePath(%q) error = %v, want %v", tt.path, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolvePath(%q): %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolvePath(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestRenameEntry(t *testing.T) {
	r := newTestResolver(t)
	m := &meta.Metadata{ID: "f", Name: "old.txt", Kind: meta.KindFile}
	r.AddRelationshipsForMeta([]meta.ID{"dir-a", "dir-b"}, m)

	r.RenameEntry("f", "new.txt")

	for _, parent := range []meta.ID{"dir-a", "dir-b"} {
		if id, ok := r.IDByParentAndName(parent, "new.txt"); !ok || id != "f" {
			t.Errorf("lookup of new name under %s = (%s, %v)", parent, id, ok)
		}
		if _, ok := r.IDByParentAndName(parent, "old.txt"); ok {
			t.Errorf("old name still resolvable under %s", parent)
		}
	}
	checkMirrored(t, r)
}

func TestPersistLoadReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	r := New(path)
	r.AddRelationship(meta.RootID, DirEntry{ID: "a", Name: "a.txt", Kind: meta.KindFile})
	if err := r.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded := New(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id, ok := loaded.IDByParentAndName(meta.RootID, "a.txt"); !ok || id != "a" {
		t.Errorf("loaded graph lookup = (%s, %v), want (a, true)", id, ok)
	}
	checkMirrored(t, loaded)

	if err := loaded.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok := loaded.IDByParentAndName(meta.RootID, "a.txt"); ok {
		t.Error("Reset did not clear the graph")
	}

	// Reset persisted the empty state.
	reloaded := New(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load after Reset: %v", err)
	}
	if _, ok := reloaded.IDByParentAndName(meta.RootID, "a.txt"); ok {
		t.Error("snapshot still holds pre-Reset state")
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "absent.json"))
	if err := r.Load(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}
}
