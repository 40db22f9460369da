// Package memory implements an in-process provider that keeps resources in
// a map. It backs tests and dry runs, and its Patch and Forget methods
// simulate the out-of-band changes a drift check is meant to catch.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/udohsolomon/converge/pkg/engine"
)

type resource struct {
	kind  string
	attrs map[string]any
}

// Provider stores resources in memory. Safe for concurrent use.
type Provider struct {
	mu        sync.Mutex
	resources map[string]*resource
}

// New creates an empty in-memory provider.
func New() *Provider {
	return &Provider{resources: make(map[string]*resource)}
}

// Create implements engine.Provider.
func (p *Provider) Create(_ context.Context, kind string, attrs map[string]any) (string, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle := "mem-" + uuid.New().String()
	stored := cloneAttrs(attrs)
	stored["id"] = handle
	p.resources[handle] = &resource{kind: kind, attrs: stored}
	return handle, cloneAttrs(stored), nil
}

// Read implements engine.Provider.
func (p *Provider) Read(_ context.Context, kind, handle string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.resources[handle]
	if !ok || res.kind != kind {
		return nil, engine.ErrNotFound
	}
	return cloneAttrs(res.attrs), nil
}

// Update implements engine.Provider.
func (p *Provider) Update(_ context.Context, kind, handle string, attrs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.resources[handle]
	if !ok || res.kind != kind {
		return nil, engine.ErrNotFound
	}
	stored := cloneAttrs(attrs)
	stored["id"] = handle
	res.attrs = stored
	return cloneAttrs(stored), nil
}

// Delete implements engine.Provider. Deleting an unknown handle succeeds.
func (p *Provider) Delete(_ context.Context, _, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resources, handle)
	return nil
}

// Patch mutates a resource behind the engine's back, the way an operator
// clicking around a console would.
func (p *Provider) Patch(handle string, attrs map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.resources[handle]
	if !ok {
		return fmt.Errorf("no resource with handle %s", handle)
	}
	for k, v := range attrs {
		res.attrs[k] = v
	}
	return nil
}

// Forget drops a resource without going through Delete, simulating
// out-of-band destruction.
func (p *Provider) Forget(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resources, handle)
}

// Len reports the number of live resources.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

func cloneAttrs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
