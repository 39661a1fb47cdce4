package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps channel instance names to their adapters. It is the live
// view of connected endpoints; persisted ChannelInstance rows are
// reconciled against it by the mode manager.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its instance name. Registering the same
// name twice replaces the previous adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for an instance name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("channel: instance %q not registered", name)
	}
	return a, nil
}

// IsLive reports whether the named instance is registered and connected.
func (r *Registry) IsLive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return ok && a.Live()
}

// Names returns all registered instance names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
