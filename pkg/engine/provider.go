package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider performs the actual remote operations for one or more resource
// kinds. All methods take resolved attribute maps: by the time a provider
// is called, every symbolic reference has been replaced with a concrete
// value.
//
// Implementations must be safe for concurrent use; the executor calls into
// a provider from multiple workers at once.
type Provider interface {
	// Create provisions a new resource and returns its opaque handle along
	// with the observed output attributes.
	Create(ctx context.Context, kind string, attrs map[string]any) (handle string, outputs map[string]any, err error)

	// Read fetches the current observed attributes for a handle. Returns
	// ErrNotFound when the handle no longer refers to a real resource.
	Read(ctx context.Context, kind, handle string) (outputs map[string]any, err error)

	// Update mutates an existing resource in place and returns the new
	// observed attributes.
	Update(ctx context.Context, kind, handle string, attrs map[string]any) (outputs map[string]any, err error)

	// Delete removes the resource. Deleting a handle that is already gone
	// is not an error.
	Delete(ctx context.Context, kind, handle string) error
}

// Registry maps resource kinds to providers. A default provider, when set,
// serves any kind without an explicit registration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a provider to a resource kind, replacing any previous
// binding for that kind.
func (r *Registry) Register(kind string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
}

// SetDefault installs a fallback provider for kinds without an explicit
// registration.
func (r *Registry) SetDefault(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// Get returns the provider for a kind, falling back to the default.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[kind]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, NewConfigurationError(
		fmt.Sprintf("no provider registered for kind %q", kind), nil,
	).WithCode(ErrCodeValidation)
}

// Kinds returns the explicitly registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
