// Package router selects which model serves a request.
//
// The registry holds the canonical model catalog discovered from the
// adapters; the engine applies the configured routing strategy to produce an
// ordered candidate list: the primary model followed by the fallback chain
// the dispatcher walks on eligible failures.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/modelrelay/gateway/internal/providers"
)

// Registry is the canonical model catalog. Adapters publish their
// descriptors into it at startup and on background sync; reads vastly
// outnumber writes.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]providers.ModelDescriptor
	aliases map[string]string // logical name -> canonical id
}

// NewRegistry builds an empty registry with the configured logical aliases.
func NewRegistry(aliases map[string]string) *Registry {
	a := make(map[string]string, len(aliases))
	for k, v := range aliases {
		a[strings.ToLower(k)] = strings.ToLower(v)
	}
	return &Registry{
		byID:    make(map[string]providers.ModelDescriptor),
		aliases: a,
	}
}

// Update replaces the catalog entries of every provider present in models.
// Providers absent from the slice keep their current entries, so one
// adapter's failed sync cannot wipe another's models.
func (r *Registry) Update(models []providers.ModelDescriptor) {
	touched := map[string]bool{}
	for _, m := range models {
		touched[m.Provider] = true
	}

	r.mu.Lock()
	for id, m := range r.byID {
		if touched[m.Provider] {
			delete(r.byID, id)
		}
	}
	for _, m := range models {
		r.byID[strings.ToLower(m.ID)] = m
	}
	r.mu.Unlock()
}

// Resolve maps a client-supplied model name to a canonical id. Returns
// pinned=true when the name names one concrete model (canonical id or
// alias), false when it is unknown and the strategy engine must choose.
func (r *Registry) Resolve(name string) (canonical string, pinned bool) {
	n := strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[n]; ok {
		return target, true
	}
	if _, ok := r.byID[n]; ok {
		return n, true
	}
	return "", false
}

// Get returns the descriptor for a canonical id or alias.
func (r *Registry) Get(id string) (providers.ModelDescriptor, bool) {
	n := strings.ToLower(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[n]; ok {
		n = target
	}
	m, ok := r.byID[n]
	return m, ok
}

// List returns all active descriptors, ordered by canonical id.
func (r *Registry) List() []providers.ModelDescriptor {
	r.mu.RLock()
	out := make([]providers.ModelDescriptor, 0, len(r.byID))
	for _, m := range r.byID {
		if m.Active {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithCapability returns active descriptors advertising cap, ordered by id.
func (r *Registry) WithCapability(cap string) []providers.ModelDescriptor {
	all := r.List()
	out := all[:0]
	for _, m := range all {
		for _, c := range m.Capabilities {
			if c == cap {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
