// Package callbacks holds the per-adapter table of response callbacks that
// remote content addresses by path.
package callbacks

import (
	"errors"
	"sync"
)

// ErrDuplicate is returned when an id already has a callback
var ErrDuplicate = errors.New("callbacks: id already registered")

// Registry maps request ids to zero-argument callbacks. Each adapter
// instance owns its own registry, so two adapters never share a table.
type Registry struct {
	namespace string

	mu        sync.Mutex
	callbacks map[string]func()
}

// NewRegistry creates a registry whose paths live under namespace, for
// example "headertag.PubmaticHtb"
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
		callbacks: make(map[string]func()),
	}
}

// Namespace returns the path prefix of this registry
func (r *Registry) Namespace() string {
	return r.namespace
}

// Path returns the fully qualified global path remote content calls
func (r *Registry) Path(id string) string {
	return "window.parent." + r.namespace + ".adResponseCallbacks." + id
}

// Register installs fn under id
func (r *Registry) Register(id string, fn func()) error {
	if fn == nil {
		return errors.New("callbacks: nil callback")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callbacks[id]; exists {
		return ErrDuplicate
	}
	r.callbacks[id] = fn
	return nil
}

// Remove deletes the callback for id, if any
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.callbacks, id)
	r.mu.Unlock()
}

// Invoke calls the callback for id. It reports false when none is
// registered. The callback runs outside the registry lock.
func (r *Registry) Invoke(id string) bool {
	r.mu.Lock()
	fn, ok := r.callbacks[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	fn()
	return true
}

// Len returns the number of registered callbacks
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}
