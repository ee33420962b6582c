// Package store provides the blob store backends for OutreachPipe.
//
// A blob store is a flat key-value store of named objects. The dispatch core
// only needs to fetch and store whole objects (the ledger, the audit log and
// the input batch); an absent object is reported as ErrNotFound, which callers
// treat as an expected result rather than a failure.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by Fetch when the object does not exist.
var ErrNotFound = errors.New("object not found")

// BlobStore defines the operations the dispatch core needs from object storage.
type BlobStore interface {
	// Fetch returns the object's bytes, or ErrNotFound if it does not exist.
	Fetch(ctx context.Context, objectID string) ([]byte, error)

	// Store writes the object, replacing any previous content.
	Store(ctx context.Context, objectID string, data []byte) error

	// Close releases any underlying resources.
	Close() error
}

// InMemoryStore is a simple in-memory blob store, used in tests and dry runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	writes  int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string][]byte)}
}

func (s *InMemoryStore) Fetch(ctx context.Context, objectID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[objectID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *InMemoryStore) Store(ctx context.Context, objectID string, data []byte) error {
	if objectID == "" {
		return fmt.Errorf("object id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[objectID] = cp
	s.writes++
	slog.Debug("InMemoryStore.Store", "object_id", objectID, "bytes", len(data))
	return nil
}

// Writes returns how many Store calls succeeded.
func (s *InMemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Open builds the backend selected by location: an s3:// URL, a Postgres DSN,
// an SQLite file path, or a directory.
func Open(ctx context.Context, location string, opts ...Option) (BlobStore, error) {
	if location == "" {
		return nil, fmt.Errorf("blob store location not set")
	}
	kind := DetectDSNType(location)
	slog.Debug("store.Open: selecting blob store backend", "backend", kind)
	switch kind {
	case BackendS3:
		bucket, prefix := ParseS3URL(location)
		return NewS3Store(ctx, append(opts, WithBucket(bucket, prefix))...)
	case BackendPostgres:
		return NewPostgresStore(append(opts, WithPostgresDSN(location))...)
	case BackendSQLite:
		return NewSQLiteStore(append(opts, WithSQLiteDSN(location))...)
	default:
		return NewFileStore(append(opts, WithDir(location))...)
	}
}
