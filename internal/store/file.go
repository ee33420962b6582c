// This file implements a directory-backed blob store.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time check that FileStore implements BlobStore.
var _ BlobStore = (*FileStore)(nil)

// FileStore keeps each object as a file below a root directory. Object ids may
// contain slashes, which map to subdirectories.
type FileStore struct {
	root string
}

// NewFileStore creates a directory-backed store, creating the root if needed.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("file store directory not set")
	}
	if err := os.MkdirAll(cfg.Dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create file store directory %s: %w", cfg.Dir, err)
	}
	slog.Debug("NewFileStore: using directory", "dir", cfg.Dir)
	return &FileStore{root: cfg.Dir}, nil
}

func (s *FileStore) path(objectID string) (string, error) {
	if objectID == "" {
		return "", fmt.Errorf("object id cannot be empty")
	}
	clean := filepath.Clean(filepath.FromSlash(objectID))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object id %q escapes the store root", objectID)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FileStore) Fetch(ctx context.Context, objectID string) ([]byte, error) {
	p, err := s.path(objectID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objectID, err)
	}
	return data, nil
}

// Store writes to a temporary file and renames it into place so a crash never
// leaves a truncated object behind.
func (s *FileStore) Store(ctx context.Context, objectID string, data []byte) error {
	p, err := s.path(objectID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", objectID, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", objectID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write object %s: %w", objectID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync object %s: %w", objectID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close object %s: %w", objectID, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move object %s into place: %w", objectID, err)
	}
	slog.Debug("FileStore Store succeeded", "object_id", objectID, "bytes", len(data))
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
