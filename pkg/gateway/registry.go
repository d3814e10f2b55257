package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps gateway kinds to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Kind]Adapter)}
}

// Register adds an adapter for an automated gateway kind
func (r *Registry) Register(kind Kind, adapter Adapter) error {
	if !kind.Automated() {
		return fmt.Errorf("gateway kind %q cannot have an adapter", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = adapter
	return nil
}

// Adapter returns the adapter registered for kind
func (r *Registry) Adapter(kind Kind) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// Parser returns the webhook parser for kind, if its adapter has one
func (r *Registry) Parser(kind Kind) (EventParser, bool) {
	a, ok := r.Adapter(kind)
	if !ok {
		return nil, false
	}
	p, ok := a.(EventParser)
	return p, ok
}

// Kinds lists registered kinds in sorted order
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
