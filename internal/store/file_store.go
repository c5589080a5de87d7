package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/inkwell/childbook/internal/model"
)

// FileStore keeps the record as a small JSON file.
type FileStore struct {
	fs   afero.Fs
	path string
}

// NewFileStore creates a store backed by path on the OS filesystem.
func NewFileStore(path string) *FileStore {
	return NewFileStoreFs(afero.NewOsFs(), path)
}

// NewFileStoreFs is NewFileStore over an arbitrary filesystem.
func NewFileStoreFs(fs afero.Fs, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

// Load reads the record. A missing or corrupt file counts as empty.
func (s *FileStore) Load(ctx context.Context) (*model.InstanceRecord, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance file: %w", err)
	}

	var rec model.InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("[Instance] Ignoring unreadable instance file %s: %v", s.path, err)
		return nil, nil
	}
	if rec.URL == "" {
		return nil, nil
	}
	return &rec, nil
}

// Save replaces the record.
func (s *FileStore) Save(ctx context.Context, rec model.InstanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write instance file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("failed to write instance file: %w", err)
	}
	return nil
}

// Clear removes the record. Clearing an empty store is not an error.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove instance file: %w", err)
	}
	return nil
}
