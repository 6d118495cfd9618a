package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONFileCursorStore keeps the cursor in a small JSON document.
type JSONFileCursorStore struct {
	Path string
}

func NewJSONFileCursorStore(path string) *JSONFileCursorStore {
	return &JSONFileCursorStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileCursorStore) Load() (Cursor, error) {
	if s == nil || s.Path == "" {
		return Cursor{}, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Cursor{}, nil
		}
		return Cursor{}, fmt.Errorf("%w: %v", ErrUnreadableCursor, err)
	}
	return decodeCursor(data)
}

func (s *JSONFileCursorStore) Save(cursor Cursor) error {
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	data, err := encodeCursor(cursor)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *JSONFileCursorStore) Reset() error {
	if s == nil || s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type InMemoryCursorStore struct {
	mu     sync.Mutex
	cursor Cursor
}

func NewInMemoryCursorStore() *InMemoryCursorStore {
	return &InMemoryCursorStore{}
}

func (s *InMemoryCursorStore) Load() (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *InMemoryCursorStore) Save(cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}

func (s *InMemoryCursorStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = Cursor{}
	return nil
}
