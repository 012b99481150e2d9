package index

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the named indexes a planner can resolve.
type Registry struct {
	mu      sync.RWMutex
	indexes map[string]Index
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{indexes: make(map[string]Index)}
}

// Register adds idx under its name.
func (r *Registry) Register(idx Index) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[idx.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrIndexExists, idx.Name())
	}
	r.indexes[idx.Name()] = idx
	return nil
}

// Get resolves an index by name.
func (r *Registry) Get(name string) (Index, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return idx, nil
}

// Names returns the registered index names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.indexes))
	for name := range r.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
