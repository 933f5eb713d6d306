// Package meta defines the per-object metadata record and its on-disk store.
package meta

import "time"

// ID is the stable identifier of a remote object. It is canonical across
// sessions; filesystem handles are ephemeral surrogates for it.
type ID string

// RootID is the reserved identifier of the tree root. Provider-specific
// aliases for the root are rewritten to this value at the gateway boundary.
const RootID ID = "root"

// Kind is the type of a remote object.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindSymlink   Kind = "symlink"
)

// State tracks how much of an object is materialized locally. It says
// nothing about authority over content.
type State string

const (
	StateDownloaded   State = "downloaded"
	StateCached       State = "cached"
	StateMetadataOnly State = "metadata_only"
	StateRoot         State = "root"
)

// Timestamp is a duration since the Unix epoch in seconds + nanoseconds.
// Seconds are signed so pre-epoch values survive.
type Timestamp struct {
	Sec  int64  `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool {
	if t.Sec != other.Sec {
		return t.Sec < other.Sec
	}
	return t.Nsec < other.Nsec
}

// Time converts t to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Sec, int64(t.Nsec))
}

// FromTime converts a time.Time to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp{Sec: t.Unix(), Nsec: uint32(t.Nanosecond())}
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// DefaultPermissions is used when the remote does not report mode bits.
const DefaultPermissions uint16 = 0o777

// Metadata is the persisted record for one remote object, one file per ID.
type Metadata struct {
	ID                  ID                `json:"id"`
	State               State             `json:"state"`
	Name                string            `json:"name"`
	Size                uint64            `json:"size"`
	LastAccessed        Timestamp         `json:"last_accessed"`
	LastModified        Timestamp         `json:"last_modified"`
	LastMetadataChanged Timestamp         `json:"last_metadata_changed"`
	Kind                Kind              `json:"kind"`
	Permissions         uint16            `json:"permissions"`
	ExtraAttributes     map[string][]byte `json:"extra_attributes,omitempty"`
}

// Root returns the metadata record for the tree root. The root record
// always exists and is the only one with StateRoot.
func Root() *Metadata {
	now := Now()
	return &Metadata{
		ID:                  RootID,
		State:               StateRoot,
		Size:                0,
		LastAccessed:        now,
		LastModified:        now,
		LastMetadataChanged: now,
		Kind:                KindDirectory,
		Permissions:         DefaultPermissions,
	}
}
