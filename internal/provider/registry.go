package provider

import (
	"fmt"
	"sync"

	"github.com/ignite/email-dispatch/internal/job"
)

// Registry holds the configured drivers keyed by provider kind. Drivers are
// registered at boot; lookups are hot-path.
type Registry struct {
	mu      sync.RWMutex
	drivers map[job.ProviderKind]Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[job.ProviderKind]Driver)}
}

// Register stores a driver, replacing any previous one for its kind.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

// Get returns the driver for a provider kind.
func (r *Registry) Get(kind job.ProviderKind) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("no driver registered for provider %q", kind)
	}
	return d, nil
}

// Kinds lists the registered provider kinds.
func (r *Registry) Kinds() []job.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]job.ProviderKind, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	return kinds
}
