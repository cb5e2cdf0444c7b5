package registry

import (
	"fmt"
	"sort"
	"sync"

	"conduit/backend/fake"
	"conduit/backend/process"
	"conduit/core/execution"
)

// Registry maps backend names to ExecutionBackend implementations.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]execution.ExecutionBackend
}

func New() *Registry {
	return &Registry{backends: map[string]execution.ExecutionBackend{}}
}

// Default returns a registry with the process backend and the builtin fake
// backend used for dry runs.
func Default() *Registry {
	r := New()
	r.Register(process.New(process.Options{}))
	r.Register(fake.Builtins())
	return r
}

// Register adds or replaces a backend under its own name.
func (r *Registry) Register(backend execution.ExecutionBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend.Name()] = backend
}

// Get returns a backend by name or an error if missing.
func (r *Registry) Get(name string) (execution.ExecutionBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if backend, ok := r.backends[name]; ok {
		return backend, nil
	}
	return nil, fmt.Errorf("backend %q not registered (have %v)", name, r.namesLocked())
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
