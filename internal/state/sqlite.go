package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores values in a single key/value table.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	logger := slog.Default().With("component", "state.sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between writers in this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS session_blobs (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite backend initialized", "path", path)
	return &SQLiteBackend{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func (s *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM session_blobs WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &PersistenceError{Op: "read", Key: key, Err: ErrNotFound}
		}
		return nil, &PersistenceError{Op: "read", Key: key, Err: err}
	}
	return value, nil
}

func (s *SQLiteBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_blobs (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, data, time.Now().UTC())
	if err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM session_blobs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
