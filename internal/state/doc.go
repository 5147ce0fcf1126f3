// Package state provides the storage backends session state is persisted
// through: JSON files on disk, a SQLite key/value table, and memory.
package state

import "github.com/user/chanbridge/internal/types"

// Compile-time interface compliance checks.
var _ types.Backend = (*FileBackend)(nil)
var _ types.Lister = (*FileBackend)(nil)
var _ types.Backend = (*SQLiteBackend)(nil)
var _ types.Lister = (*SQLiteBackend)(nil)
var _ types.Backend = (*MemoryBackend)(nil)
var _ types.Lister = (*MemoryBackend)(nil)
