// Package registry implements an injected service registry resolving an
// opaque service identifier to a callable domain.Compensator, the
// lookup-by-name alternative to registering a compensator directly.
package registry

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/outboxmq/internal/domain"
)

// Registry resolves a named compensator to a callable. Resolution is
// lazy: a name registered after construction is still resolvable by any
// later Lookup.
type Registry struct {
	mu           sync.RWMutex
	compensators map[string]domain.Compensator
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{compensators: make(map[string]domain.Compensator)}
}

// Register binds name to a callable compensator.
func (r *Registry) Register(name string, compensator domain.Compensator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensators[name] = compensator
}

// Lookup resolves name to its registered compensator. A failed resolution
// returns an error wrapping domain.ErrNotFound.
func (r *Registry) Lookup(name string) (domain.Compensator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	compensator, ok := r.compensators[name]
	if !ok {
		return nil, fmt.Errorf("op=registry.lookup: %w: %s", domain.ErrNotFound, name)
	}
	return compensator, nil
}
