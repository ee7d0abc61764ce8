package tooling

import (
	"fmt"
	"sort"
	"sync"
)

// Descriptor is the static metadata kept per (tool, action) pair: the
// cost envelope whose MaxConcurrency sizes the pipeline's per-tool
// concurrency cap and whose CacheTTLSeconds sets the response-cache TTL.
type Descriptor struct {
	Tool         string       `json:"tool"`
	Action       string       `json:"action"`
	CostEnvelope CostEnvelope `json:"cost_envelope"`
}

// CostEnvelope bounds the resources a single adapter invocation may
// consume. The proxy pipeline reads MaxConcurrency and CacheTTLSeconds;
// MaxLatencyMs and MaxCostUnits are carried as metadata and not applied,
// so timeouts, the retry schedule and breaker settings do not come from it.
type CostEnvelope struct {
	MaxLatencyMs    int     `json:"max_latency_ms"`
	MaxCostUnits    float64 `json:"max_cost_units,omitempty"`
	MaxConcurrency  int     `json:"max_concurrency"`
	CacheTTLSeconds int     `json:"cache_ttl_seconds"`
}

// Key identifies a descriptor by its (tool, action) pair.
func (d Descriptor) Key() string {
	return d.Tool + ":" + d.Action
}

// Registry is the static (tool, action) -> descriptor table consulted
// by the proxy pipeline for per-route configuration. It never performs
// adapter dispatch by reflection; lookups are plain map access.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{descs: make(map[string]Descriptor)}
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d Descriptor) error {
	if d.Tool == "" || d.Action == "" {
		return fmt.Errorf("tooling: descriptor requires tool and action")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[d.Key()] = d
	return nil
}

// Get returns the descriptor for (tool, action), if registered.
func (r *Registry) Get(tool, action string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[tool+":"+action]
	return d, ok
}

// Keys returns every registered (tool, action) key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.descs))
	for k := range r.descs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
