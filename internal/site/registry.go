// Package site keeps the set of known sites and builds a fresh worker for
// each task.
package site

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/jobsweep/internal/harvest"
)

// Factory builds a new worker. It is called once per task.
type Factory func() (harvest.Worker, error)

// Registry maps site names to worker factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a site. Names must be unique and non-empty.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("site name is required")
	}
	if factory == nil {
		return fmt.Errorf("site %q: factory is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("site %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Names returns the registered site names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Len returns the number of registered sites.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// New builds a worker for name.
func (r *Registry) New(name string) (harvest.Worker, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", harvest.ErrUnknownSite, name)
	}
	w, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create worker for %s: %w", name, err)
	}
	return w, nil
}
