package state

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned (wrapped) by Read when no value exists for a key.
var ErrNotFound = errors.New("key not found")

// PersistenceError describes a failed backend read or write.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// validKey rejects the empty key. Backends treat keys as opaque.
func validKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	return nil
}
