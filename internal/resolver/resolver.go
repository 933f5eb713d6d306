// Package resolver maintains the parent/child identity graph of the
// mirrored tree, keyed by stable remote IDs.
package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/drivemirror/drivemirror/internal/meta"
)

var (
	// ErrNotFound means the requested ID or path segment is not in the graph.
	ErrNotFound = errors.New("not found in identity graph")
	// ErrInvalidPath means the input could not be decomposed into segments.
	ErrInvalidPath = errors.New("invalid path")
)

// DirEntry is one child in a directory listing.
type DirEntry struct {
	ID   meta.ID   `json:"id"`
	Name string    `json:"name"`
	Kind meta.Kind `json:"kind"`
}

// Resolver is the in-memory identity graph with a single-file snapshot.
//
// The two maps are mirrored inverses: parents[child] contains p exactly
// when children[p] contains an entry with that child's ID. Every mutation
// preserves this.
//
// Resolver is not safe for concurrent use; the owning drive session
// serializes access behind its lock.
type Resolver struct {
	path     string
	parents  map[meta.ID][]meta.ID
	children map[meta.ID][]DirEntry
}

// New creates an empty resolver whose snapshot lives at path.
func New(path string) *Resolver {
	return &Resolver{
		path:     path,
		parents:  make(map[meta.ID][]meta.ID),
		children: make(map[meta.ID][]DirEntry),
	}
}

// AddRelationship records entry as a child of parent.
//
// Callers must not add the same relationship twice; the graph does not
// deduplicate.
func (r *Resolver) AddRelationship(parent meta.ID, entry DirEntry) {
	r.parents[entry.ID] = append(r.parents[entry.ID], parent)
	r.children[parent] = append(r.children[parent], entry)
}

// AddRelationshipsForMeta records m as a child of every parent in parents.
func (r *Resolver) AddRelationshipsForMeta(parents []meta.ID, m *meta.Metadata) {
	entry := DirEntry{ID: m.ID, Name: m.Name, Kind: m.Kind}
	for _, p := range parents {
		r.AddRelationship(p, entry)
	}
}

// RemoveRelationship removes the parent/child link between parent and id.
// Removing a link that does not exist is a no-op.
func (r *Resolver) RemoveRelationship(parent, id meta.ID) {
	if ps, ok := r.parents[id]; ok {
		kept := ps[:0]
		for _, p := range ps {
			if p != parent {
				kept = append(kept, p)
			}
		}
		r.parents[id] = kept
	}
	if cs, ok := r.children[parent]; ok {
		kept := cs[:0]
		for _, c := range cs {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		r.children[parent] = kept
	}
}

// RemoveRelationshipsForID removes the link from every parent in parents to id.
func (r *Resolver) RemoveRelationshipsForID(parents []meta.ID, id meta.ID) {
	for _, p := range parents {
		r.RemoveRelationship(p, id)
	}
}

// Parents returns the recorded parent set of id.
func (r *Resolver) Parents(id meta.ID) ([]meta.ID, error) {
	ps, ok := r.parents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ps, nil
}

// Children returns the recorded child listing of id.
func (r *Resolver) Children(id meta.ID) ([]DirEntry, error) {
	cs, ok := r.children[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cs, nil
}

// IDByParentAndName returns the ID of the first child of parent with the
// given name. The second result is false when no such child is recorded,
// which is not an error: the caller may still ask the gateway.
func (r *Resolver) IDByParentAndName(parent meta.ID, name string) (meta.ID, bool) {
	for _, c := range r.children[parent] {
		if c.Name == name {
			return c.ID, true
		}
	}
	return "", false
}

// ResolvePath walks a slash-separated path from the root.
func (r *Resolver) ResolvePath(path string) (meta.ID, error) {
	trimmed := strings.Trim(path, "/")
	current := meta.RootID
	if trimmed == "" {
		return current, nil
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		next, ok := r.IDByParentAndName(current, segment)
		if !ok {
			return "", fmt.Errorf("%w: segment %q of %q", ErrNotFound, segment, path)
		}
		current = next
	}
	return current, nil
}

// RenameEntry updates the cached name of id in every parent's child
// listing, keeping the listing consistent with a metadata-only rename.
func (r *Resolver) RenameEntry(id meta.ID, name string) {
	for _, p := range r.parents[id] {
		cs := r.children[p]
		for i := range cs {
			if cs[i].ID == id {
				cs[i].Name = name
			}
		}
	}
}

// Reset clears the graph and persists the empty state.
func (r *Resolver) Reset() error {
	r.parents = make(map[meta.ID][]meta.ID)
	r.children = make(map[meta.ID][]DirEntry)
	return r.Persist()
}

type snapshot struct {
	Parents  map[meta.ID][]meta.ID   `json:"parents"`
	Children map[meta.ID][]DirEntry `json:"children"`
}

// Persist writes the whole graph to the snapshot file atomically.
func (r *Resolver) Persist() error {
	data, err := json.Marshal(snapshot{Parents: r.parents, Children: r.children})
	if err != nil {
		return fmt.Errorf("encode graph snapshot: %w", err)
	}
	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write graph snapshot: %w", err)
	}
	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename graph snapshot: %w", err)
	}
	return nil
}

// Load replaces the in-memory graph with the snapshot on disk. A missing
// snapshot reports ErrNotFound so callers can fall back to a full rebuild.
func (r *Resolver) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no graph snapshot at %s", ErrNotFound, r.path)
		}
		return fmt.Errorf("read graph snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode graph snapshot: %w", err)
	}
	r.parents = snap.Parents
	r.children = snap.Children
	if r.parents == nil {
		r.parents = make(map[meta.ID][]meta.ID)
	}
	if r.children == nil {
		r.children = make(map[meta.ID][]DirEntry)
	}
	return nil
}
