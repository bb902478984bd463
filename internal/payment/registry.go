package payment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RegistryConfig is the configuration snapshot a Registry is built from.
type RegistryConfig struct {
	Default        ProviderID
	Enabled        []ProviderID
	CountryRoutes  map[string]ProviderID
	CurrencyRoutes map[string]ProviderID
}

// DroppedRoute records a routing entry discarded because its provider is not enabled.
type DroppedRoute struct {
	Kind     string
	Key      string
	Provider ProviderID
}

// Registry holds the enabled providers, the default provider and the routing tables.
// It is immutable once built and safe to share between goroutines.
type Registry struct {
	defaultProvider ProviderID
	enabled         []ProviderID
	enabledSet      map[ProviderID]struct{}
	country         map[string]ProviderID
	currency        map[string]ProviderID
	dropped         []DroppedRoute
}

// NewRegistry validates cfg and builds a Registry. Routes pointing at providers that are
// not enabled are dropped and reported through DroppedRoutes.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{
		enabledSet: make(map[ProviderID]struct{}, len(cfg.Enabled)),
		country:    make(map[string]ProviderID, len(cfg.CountryRoutes)),
		currency:   make(map[string]ProviderID, len(cfg.CurrencyRoutes)),
	}
	for _, id := range cfg.Enabled {
		id = ParseProviderID(string(id))
		if id == "" {
			continue
		}
		if _, dup := r.enabledSet[id]; dup {
			continue
		}
		r.enabledSet[id] = struct{}{}
		r.enabled = append(r.enabled, id)
	}
	if len(r.enabled) == 0 {
		return nil, errors.New("payment: at least one gateway must be enabled")
	}
	r.defaultProvider = ParseProviderID(string(cfg.Default))
	if r.defaultProvider == "" {
		return nil, errors.New("payment: default gateway is required")
	}
	if !r.IsEnabled(r.defaultProvider) {
		return nil, fmt.Errorf("payment: default gateway %q is not enabled", r.defaultProvider)
	}
	r.country = r.buildRoutes("country", cfg.CountryRoutes)
	r.currency = r.buildRoutes("currency", cfg.CurrencyRoutes)
	return r, nil
}

func (r *Registry) buildRoutes(kind string, in map[string]ProviderID) map[string]ProviderID {
	out := make(map[string]ProviderID, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := normaliseRouteKey(k)
		id := ParseProviderID(string(in[k]))
		if key == "" || id == "" {
			continue
		}
		if !r.IsEnabled(id) {
			r.dropped = append(r.dropped, DroppedRoute{Kind: kind, Key: key, Provider: id})
			continue
		}
		out[key] = id
	}
	return out
}

// Resolve picks the provider for a request. Precedence is explicit choice, then
// country route, then currency route, then the default provider. Only an explicit
// choice that is not enabled produces an error.
func (r *Registry) Resolve(explicit ProviderID, country, currency string) (ProviderID, error) {
	if explicit = ParseProviderID(string(explicit)); explicit != "" {
		if !r.IsEnabled(explicit) {
			return "", &UnsupportedProviderError{Provider: explicit}
		}
		return explicit, nil
	}
	if id, ok := r.country[normaliseRouteKey(country)]; ok && r.IsEnabled(id) {
		return id, nil
	}
	if id, ok := r.currency[normaliseRouteKey(currency)]; ok && r.IsEnabled(id) {
		return id, nil
	}
	return r.defaultProvider, nil
}

// Recommend resolves without an explicit choice and therefore never fails.
func (r *Registry) Recommend(country, currency string) ProviderID {
	id, _ := r.Resolve("", country, currency)
	return id
}

// Default returns the default provider.
func (r *Registry) Default() ProviderID { return r.defaultProvider }

// Enabled returns the enabled providers in configuration order.
func (r *Registry) Enabled() []ProviderID {
	return append([]ProviderID(nil), r.enabled...)
}

// IsEnabled reports whether id is enabled.
func (r *Registry) IsEnabled(id ProviderID) bool {
	_, ok := r.enabledSet[id]
	return ok
}

// DroppedRoutes lists routing entries that were ignored at construction.
func (r *Registry) DroppedRoutes() []DroppedRoute {
	return append([]DroppedRoute(nil), r.dropped...)
}

func normaliseRouteKey(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
