package providers

import "sync"

// registeredProvider pairs a Provider with the source that registered it,
// so a plugin/extension's providers can be unregistered as a group.
type registeredProvider struct {
	provider Provider
	sourceID string
}

// Registry is the process-wide ApiRegistry (spec §4.5): a source-tagged map
// from API name to Provider, safe for concurrent registration and lookup.
// Grounded on original_source's api_registry.rs (RwLock<HashMap<...>>) and
// the teacher's internal/agent/plugin.go register/unregister-by-source idiom.
type Registry struct {
	mu    sync.RWMutex
	byAPI map[string]registeredProvider
}

// NewRegistry creates an empty registry. Most processes use the single
// package-level DefaultRegistry instead.
func NewRegistry() *Registry {
	return &Registry{byAPI: make(map[string]registeredProvider)}
}

// DefaultRegistry is the registry AgentLoop consults unless given another.
var DefaultRegistry = NewRegistry()

// Register adds or replaces the provider for its API() name. sourceID may be
// empty for statically-wired built-in providers.
func (r *Registry) Register(p Provider, sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAPI[p.API()] = registeredProvider{provider: p, sourceID: sourceID}
}

// Get looks up the provider registered for api.
func (r *Registry) Get(api string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byAPI[api]
	if !ok {
		return nil, false
	}
	return entry.provider, true
}

// All returns every registered provider, in no particular order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.byAPI))
	for _, entry := range r.byAPI {
		out = append(out, entry.provider)
	}
	return out
}

// Unregister removes every provider registered under sourceID.
func (r *Registry) Unregister(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for api, entry := range r.byAPI {
		if entry.sourceID == sourceID {
			delete(r.byAPI, api)
		}
	}
}

// Clear empties the registry. Used by tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAPI = make(map[string]registeredProvider)
}
