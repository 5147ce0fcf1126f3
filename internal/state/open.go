package state

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/user/chanbridge/internal/types"
)

// Open returns the backend for driver ("file", "sqlite" or "memory").
// path defaults to a location under dataDir when empty. The returned
// closer is a no-op for backends that hold no resources.
func Open(driver, path, dataDir string) (types.Backend, io.Closer, error) {
	switch driver {
	case "", "file":
		if path == "" {
			path = dataDir
		}
		return NewFileBackend(path), nopCloser{}, nil
	case "sqlite":
		if path == "" {
			path = filepath.Join(dataDir, "sessions.db")
		}
		b, err := NewSQLiteBackend(path)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case "memory":
		return NewMemoryBackend(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
