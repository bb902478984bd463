package payment

import (
	"errors"
	"fmt"
)

// RouteHint carries the request attributes used for provider selection.
type RouteHint struct {
	Provider ProviderID
	Country  string
	Currency string
}

// Router maps registry decisions onto adapter instances.
type Router struct {
	registry *Registry
	adapters map[ProviderID]Adapter
}

// NewRouter builds a Router. Every enabled provider must have an adapter; adapters for
// providers that are not enabled are ignored.
func NewRouter(registry *Registry, adapters ...Adapter) (*Router, error) {
	if registry == nil {
		return nil, errors.New("payment: registry is required")
	}
	rt := &Router{registry: registry, adapters: make(map[ProviderID]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		id := a.ID()
		if !registry.IsEnabled(id) {
			continue
		}
		if _, dup := rt.adapters[id]; dup {
			return nil, fmt.Errorf("payment: duplicate adapter for %q", id)
		}
		rt.adapters[id] = a
	}
	for _, id := range registry.Enabled() {
		if _, ok := rt.adapters[id]; !ok {
			return nil, fmt.Errorf("payment: gateway %q is enabled but has no adapter", id)
		}
	}
	return rt, nil
}

// Registry exposes the underlying registry.
func (rt *Router) Registry() *Registry { return rt.registry }

// Select resolves a provider for hint and returns its adapter.
func (rt *Router) Select(hint RouteHint) (Adapter, error) {
	id, err := rt.registry.Resolve(hint.Provider, hint.Country, hint.Currency)
	if err != nil {
		return nil, err
	}
	return rt.Adapter(id)
}

// Adapter returns the adapter of an enabled provider.
func (rt *Router) Adapter(id ProviderID) (Adapter, error) {
	id = ParseProviderID(string(id))
	a, ok := rt.adapters[id]
	if !ok || !rt.registry.IsEnabled(id) {
		return nil, &UnsupportedProviderError{Provider: id}
	}
	return a, nil
}
