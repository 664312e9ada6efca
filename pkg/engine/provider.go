package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider converges resources of one type. It is the only extension point
// for new resource types.
type Provider interface {
	// Type returns the resource type this provider handles, e.g. "package".
	Type() string

	// Actions lists the actions the provider supports. The first one is
	// the default when a declaration names none.
	Actions() []Action

	// Probe reads the current state of the resource.
	Probe(ctx context.Context, res *Resource) (State, error)

	// Diff compares the desired state against a probe result. An empty
	// result means the resource is in sync.
	Diff(res *Resource, actual State) []Change

	// Apply converges the resource so that Diff would report nothing.
	Apply(ctx context.Context, res *Resource, changes []Change) error

	// Act runs a single action outside of convergence, as requested by a
	// notification (restart, reload, run).
	Act(ctx context.Context, res *Resource, action Action) error
}

// Registry maps resource types to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider. Registering a type twice is an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Type() == "" {
		return NewPermanentError("provider has empty type", nil).WithCode(ErrCodeValidation)
	}
	if len(p.Actions()) == 0 {
		return NewPermanentError(fmt.Sprintf("provider %q declares no actions", p.Type()), nil).
			WithCode(ErrCodeValidation)
	}
	if _, exists := r.providers[p.Type()]; exists {
		return NewPermanentError(fmt.Sprintf("provider for %q already registered", p.Type()), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.providers[p.Type()] = p
	return nil
}

// Get returns the provider for a resource type.
func (r *Registry) Get(resourceType string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[resourceType]
	return p, ok
}

// Types lists registered resource types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func supportsAction(p Provider, a Action) bool {
	for _, candidate := range p.Actions() {
		if candidate == a {
			return true
		}
	}
	return false
}
