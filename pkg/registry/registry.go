// Package registry resolves a kernel spec's provisioner_name to a
// backend.Adapter and merges the per-kernel policy override on top of
// global policy before handing a launch off to it. The name-keyed map of
// constructors follows the same shape as a cloud.Provider registry
// (ForProvider-style name-to-constructor lookup), generalized here to
// adapters instead of cloud providers.
package registry

import (
	"fmt"
	"sync"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/policy"
)

// Factory builds an Adapter for one provisioner name. Factories are
// registered once at process startup and invoked lazily, so a factory
// that requires cluster credentials the operator hasn't configured can
// defer that failure until a kernel actually requests that backend.
type Factory func() (backend.Adapter, error)

// Registry maps provisioner_name to the Factory that builds its adapter,
// and holds the operator-wide policy every launch merges against.
type Registry struct {
	mu       sync.Mutex
	factories map[string]Factory
	adapters  map[string]backend.Adapter
	global    policy.Global
}

// New builds an empty Registry carrying the given global policy.
func New(global policy.Global) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]backend.Adapter),
		global:    global,
	}
}

// Register associates name with factory. Re-registering a name overwrites
// the previous factory and drops any already-built adapter instance for it.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	delete(r.adapters, name)
}

// Resolve returns the adapter for name, building and caching it on first
// use.
func (r *Registry) Resolve(name string) (backend.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if adapter, ok := r.adapters[name]; ok {
		return adapter, nil
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("no backend adapter registered for provisioner_name %q", name)
	}

	adapter, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter %q: %w", name, err)
	}

	r.adapters[name] = adapter
	return adapter, nil
}

// ResolvePolicy merges the kernel spec's config-stanza override on top of
// the registry's global policy.
func (r *Registry) ResolvePolicy(override policy.Policy, overrideFields policy.OverrideFields) policy.Policy {
	r.mu.Lock()
	global := r.global
	r.mu.Unlock()
	return policy.Merge(global, override, overrideFields)
}

// Names returns the currently-registered provisioner names, for
// diagnostics.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
