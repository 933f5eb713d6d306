package gateway

import (
	"fmt"
	"os"
	"strings"
)

// TokenStore persists the raw continuation-token string in one file.
type TokenStore struct {
	path string
}

// NewTokenStore creates a token store backed by path.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Load returns the persisted token, or "" when none is stored.
func (s *TokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read change token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save persists the token atomically.
func (s *TokenStore) Save(token string) error {
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(token), 0644); err != nil {
		return fmt.Errorf("write change token: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename change token: %w", err)
	}
	return nil
}

// Has reports whether a non-empty token is persisted.
func (s *TokenStore) Has() bool {
	token, err := s.Load()
	return err == nil && token != ""
}
