package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Read when no record exists for an ID.
var ErrNotFound = errors.New("metadata not found")

// Store persists one Metadata record per ID as a JSON file.
//
// Writes replace the whole record atomically (temp file then rename), so
// concurrent writers to the same ID never interleave partial content.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the backing file path for an ID.
func (s *Store) Path(id ID) string {
	// IDs can contain path separators; flatten them for the filename.
	safe := strings.ReplaceAll(string(id), "/", "_")
	return filepath.Join(s.dir, safe+".json")
}

// Read returns the record for id, or ErrNotFound.
func (s *Store) Read(id ID) (*Metadata, error) {
	f, err := os.Open(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("open metadata %s: %w", id, err)
	}
	defer f.Close()

	var m Metadata
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	return &m, nil
}

// Write persists the record for m.ID, creating it if absent.
func (s *Store) Write(m *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", m.ID, err)
	}

	path := s.Path(m.ID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write metadata %s: %w", m.ID, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata %s: %w", m.ID, err)
	}
	return nil
}

// EnsureRoot writes the root record if it does not exist yet.
func (s *Store) EnsureRoot() error {
	if _, err := s.Read(RootID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.Write(Root())
}
