package authstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// FSStore keeps auth material as one directory per session identifier under
// a configured root.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create auth root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *FSStore) Init(sessionID string) (string, error) {
	dir := s.dir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create auth dir: %w", err)
	}
	return dir, nil
}

func (s *FSStore) Persist(sessionID string, name string, data []byte) error {
	dir, err := s.Init(sessionID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		return fmt.Errorf("persist credential %s: %w", name, err)
	}
	return nil
}

func (s *FSStore) Rename(oldID, newID string) error {
	src := s.dir(oldID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	dst := s.dir(newID)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear auth destination: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename auth dir: %w", err)
	}
	return nil
}

func (s *FSStore) Delete(sessionID string) error {
	if err := os.RemoveAll(s.dir(sessionID)); err != nil {
		return fmt.Errorf("delete auth dir: %w", err)
	}
	return nil
}
