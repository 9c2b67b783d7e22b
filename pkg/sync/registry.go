package sync

import (
	"context"
	"fmt"
	"sync"
)

// Reconciler drives one downstream service toward the authoritative
// membership. Implementations carry per-run caches (identity maps, resource
// listings), so a Registry and its reconcilers are built fresh for every run.
type Reconciler interface {
	// Name is the service identifier (one of the Service* constants). It
	// keys skip-lists and Result.Service.
	Name() string

	// UpsertSync adds missing users and updates divergent permissions for
	// one entity. It never removes access. Idempotent.
	UpsertSync(ctx context.Context, m *Membership) []Result

	// DifferentialSync enumerates the resources this service owns that map
	// to a known entity kind, rebuilds the authoritative membership for
	// each through the view, then adds, updates, and removes.
	DifferentialSync(ctx context.Context, view *ChannelRoster) []Result
}

// Registry holds the reconcilers configured for a run, in registration
// order. Only configured services are registered; the orchestrator iterates
// the registry and knows nothing about individual services.
type Registry struct {
	mu          sync.RWMutex
	reconcilers map[string]Reconciler
	order       []string
}

// NewRegistry creates an empty reconciler registry.
func NewRegistry() *Registry {
	return &Registry{reconcilers: make(map[string]Reconciler)}
}

// Register adds a reconciler. Registering the same service twice is an
// error.
func (r *Registry) Register(rec Reconciler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := rec.Name()
	if _, exists := r.reconcilers[name]; exists {
		return fmt.Errorf("reconciler already registered: %s", name)
	}
	r.reconcilers[name] = rec
	r.order = append(r.order, name)
	return nil
}

// Get returns a reconciler by service name.
func (r *Registry) Get(name string) (Reconciler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.reconcilers[name]
	return rec, ok
}

// All returns the reconcilers in registration order.
func (r *Registry) All() []Reconciler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Reconciler, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.reconcilers[name])
	}
	return out
}

// Names returns the registered service names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
