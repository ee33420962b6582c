// This file implements an SQLite-backed blob store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements BlobStore.
var _ BlobStore = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One writer; avoids SQLITE_BUSY between the checkpoint and the final flush.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, objectID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE object_id = ?`, objectID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore Fetch failed", "error", err, "object_id", objectID)
		return nil, fmt.Errorf("failed to fetch object %s: %w", objectID, err)
	}
	slog.Debug("SQLiteStore Fetch succeeded", "object_id", objectID, "bytes", len(data))
	return data, nil
}

func (s *SQLiteStore) Store(ctx context.Context, objectID string, data []byte) error {
	if objectID == "" {
		return fmt.Errorf("object id cannot be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (object_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(object_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		objectID, data, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore Store failed", "error", err, "object_id", objectID)
		return fmt.Errorf("failed to store object %s: %w", objectID, err)
	}
	slog.Debug("SQLiteStore Store succeeded", "object_id", objectID, "bytes", len(data))
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
