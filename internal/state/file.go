package state

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
)

// FileBackend stores one file per key under <root>/sessions/. Keys are
// path-escaped into file names, so any key maps to a single file inside
// the directory. Writes are atomic (temp file + rename) and serialized
// per key.
type FileBackend struct {
	root  string
	locks KeyedMutex
}

// NewFileBackend creates a file-backed store rooted at the given directory.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: root}
}

func (f *FileBackend) dir() string {
	return filepath.Join(f.root, "sessions")
}

// path maps key to its file. "/" and "\\" are escaped; "." and ".."
// would name directories and are refused.
func (f *FileBackend) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	name := url.PathEscape(key)
	if name == "." || name == ".." {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(f.dir(), name), nil
}

// Read returns the stored bytes for key.
func (f *FileBackend) Read(_ context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Key: key, Err: err}
	}
	defer f.locks.Lock(key)()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &PersistenceError{Op: "read", Key: key, Err: ErrNotFound}
		}
		return nil, &PersistenceError{Op: "read", Key: key, Err: err}
	}
	return data, nil
}

// Write replaces the value stored for key.
func (f *FileBackend) Write(_ context.Context, key string, data []byte) error {
	target, err := f.path(key)
	if err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	defer f.locks.Lock(key)()

	if err := os.MkdirAll(f.dir(), 0o755); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: fmt.Errorf("create sessions dir: %w", err)}
	}

	// Atomic write: write to temp file then rename
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return &PersistenceError{Op: "write", Key: key, Err: fmt.Errorf("rename temp file: %w", err)}
	}
	return nil
}

// List returns all stored keys in lexical order.
func (f *FileBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
