// Package behavior holds the business logic channel plugins hand
// normalized events to, and the registry plugins are bound through.
package behavior

import (
	"fmt"
	"sort"
	"sync"

	"github.com/user/chanbridge/internal/types"
)

// Registry maps behavior names to implementations.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[string]types.Behavior
}

func NewRegistry() *Registry {
	return &Registry{behaviors: make(map[string]types.Behavior)}
}

// Register adds b under name, replacing any previous binding.
func (r *Registry) Register(name string, b types.Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[name] = b
}

// Get returns the behavior bound to name.
func (r *Registry) Get(name string) (types.Behavior, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[name]
	if !ok {
		return nil, fmt.Errorf("unknown behavior %q (available: %v)", name, r.namesLocked())
	}
	return b, nil
}

// Names returns the registered behavior names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.behaviors))
	for name := range r.behaviors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
