// Package gateway abstracts the remote storage provider API surface the
// sync engine needs: full listings, single-object fetches, change deltas
// and continuation-token persistence.
//
// Every ID that leaves this package is canonical: the provider's alias
// for the tree root is rewritten to meta.RootID here, once, so the rest
// of the engine never sees the alias.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drivemirror/drivemirror/internal/meta"
)

// File is one object record as reported by the provider.
type File struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Size         int64             `json:"size,omitempty"`
	MimeType     string            `json:"mimeType,omitempty"`
	Kind         string            `json:"kind,omitempty"` // "file", "folder" or "symlink"
	Checksum     string            `json:"checksum,omitempty"`
	Parents      []string          `json:"parents,omitempty"`
	Trashed      bool              `json:"trashed,omitempty"`
	CreatedTime  *time.Time        `json:"createdTime,omitempty"`
	ModifiedTime *time.Time        `json:"modifiedTime,omitempty"`
	ViewedTime   *time.Time        `json:"viewedTime,omitempty"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Change is one record from the provider's change stream. A non-removal
// change with a nil File is malformed.
type Change struct {
	Removed bool   `json:"removed,omitempty"`
	FileID  string `json:"fileId,omitempty"`
	File    *File  `json:"file,omitempty"`
}

var (
	// ErrUnknownKind is returned when the provider reports an object kind
	// the mirror cannot represent.
	ErrUnknownKind = errors.New("unknown object kind")

	// ErrRemote marks provider call failures, transport-level or
	// non-success responses alike. Callers dispatch on it with errors.Is
	// to tell remote outages from local faults.
	ErrRemote = errors.New("remote provider error")
)

// KindOf maps the provider kind string onto the mirror's object kinds.
func KindOf(kind string) (meta.Kind, error) {
	switch kind {
	case "file":
		return meta.KindFile, nil
	case "folder":
		return meta.KindDirectory, nil
	case "symlink":
		return meta.KindSymlink, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ToMeta derives the metadata record for f.
func (f *File) ToMeta() (*meta.Metadata, error) {
	kind, err := KindOf(f.Kind)
	if err != nil {
		return nil, err
	}

	modified := timestampOrZero(f.ModifiedTime)
	return &meta.Metadata{
		ID:                  meta.ID(f.ID),
		State:               meta.StateMetadataOnly,
		Name:                f.Name,
		Size:                uint64(f.Size),
		LastAccessed:        timestampOrZero(f.ViewedTime),
		LastModified:        modified,
		LastMetadataChanged: modified,
		Kind:                kind,
		Permissions:         meta.DefaultPermissions,
		ExtraAttributes:     f.ExtraAttributes(),
	}, nil
}

// ExtraAttributes converts provider properties into the record's
// extended-attribute map.
func (f *File) ExtraAttributes() map[string][]byte {
	if len(f.Properties) == 0 {
		return nil
	}
	attrs := make(map[string][]byte, len(f.Properties))
	for k, v := range f.Properties {
		attrs[k] = []byte(v)
	}
	return attrs
}

// ParentIDs returns f's parent set. An object the provider reports with
// no parents at all lives directly under the root.
func (f *File) ParentIDs() []meta.ID {
	if len(f.Parents) == 0 {
		return []meta.ID{meta.RootID}
	}
	ids := make([]meta.ID, len(f.Parents))
	for i, p := range f.Parents {
		ids[i] = meta.ID(p)
	}
	return ids
}

func timestampOrZero(t *time.Time) meta.Timestamp {
	if t == nil {
		return meta.Timestamp{}
	}
	return meta.FromTime(*t)
}

// Gateway is the remote API surface the reconciliation engine consumes.
type Gateway interface {
	// ListAll fetches the complete object listing, paginating internally.
	ListAll(ctx context.Context) ([]File, error)

	// GetFile fetches one object's record.
	GetFile(ctx context.Context, id meta.ID) (*File, error)

	// Changes fetches all pending change records from the persisted
	// continuation token onward, persisting each newly issued token
	// page by page.
	Changes(ctx context.Context) ([]Change, error)

	// HasLocalToken reports whether a continuation token is persisted.
	HasLocalToken() bool

	// FetchStartToken obtains a fresh continuation token from the
	// provider and persists it.
	FetchStartToken(ctx context.Context) error

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
