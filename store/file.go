package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

type fileState struct {
	AuthenticatedUser string `yaml:"authenticatedUser"`
	UserRole          string `yaml:"userRole"`
}

// FileStore keeps the identity in a small yaml document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	if path == "" {
		path = filepath.Join("storage", "identity.yaml")
	}
	return &FileStore{path: path}
}

func (s *FileStore) SaveIdentity(_ context.Context, user, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(fileState{AuthenticatedUser: user, UserRole: role})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

func (s *FileStore) ClearIdentity(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}

func (s *FileStore) Identity(_ context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", "", ErrNoIdentity
	}
	if err != nil {
		return "", "", fmt.Errorf("read identity: %w", err)
	}
	var st fileState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return "", "", fmt.Errorf("failed to parse identity file: %w", err)
	}
	if st.AuthenticatedUser == "" {
		return "", "", ErrNoIdentity
	}
	return st.AuthenticatedUser, st.UserRole, nil
}
