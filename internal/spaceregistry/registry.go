// Package spaceregistry materialises configured spaces and sources
// into an in-memory model and indexes them for O(1) dispatch (spec
// §4.6).
package spaceregistry

import (
	"sync"

	"github.com/matthias-trip/holms-sub001/internal/model"
	"github.com/matthias-trip/holms-sub001/internal/wire"
)

// Registry holds the loaded space/source model plus the derived route
// table. All mutation happens through its methods, which serialise on
// an internal lock (spec §5 "concurrent access ... MUST be serialised").
type Registry struct {
	mu     sync.RWMutex
	spaces map[string]*model.Space
	routes map[string]model.Route // sourceId -> route
	// sourcesByAdapter indexes sources for fast reachability flips.
	sourcesByAdapter map[string][]*model.Source
}

// New returns an empty registry; call Load to populate it.
func New() *Registry {
	return &Registry{
		spaces:           make(map[string]*model.Space),
		routes:           make(map[string]model.Route),
		sourcesByAdapter: make(map[string][]*model.Source),
	}
}

// Load replaces the registry's contents with the given persisted
// spaces, sources, and source properties. Every source starts
// unreachable (spec §4.6 "Load").
func Load(spaces []*model.Space, sources []*model.Source, properties map[string][]*model.SourceProperty) *Registry {
	r := New()

	spaceByID := make(map[string]*model.Space, len(spaces))
	for _, sp := range spaces {
		cp := *sp
		cp.Sources = nil
		spaceByID[sp.ID] = &cp
		r.spaces[sp.ID] = &cp
	}

	for _, src := range sources {
		cp := *src
		cp.Reachable = false
		cp.Properties = properties[src.ID]

		if sp, ok := spaceByID[src.SpaceID]; ok {
			sp.Sources = append(sp.Sources, &cp)
		}
		r.routes[src.ID] = model.Route{AdapterID: src.AdapterID, EntityID: src.EntityID}
		r.sourcesByAdapter[src.AdapterID] = append(r.sourcesByAdapter[src.AdapterID], &cp)
	}

	return r
}

// SetAdapterReachability flips the reachable flag of every source
// belonging to adapterID (spec §4.6 "Reachability").
func (r *Registry) SetAdapterReachability(adapterID string, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, src := range r.sourcesByAdapter[adapterID] {
		src.Reachable = reachable
	}
}

// ApplyEntityRegistrations merges runtime-reported features and
// command hints from adapterID's registrations into every matching
// configured source property (spec §4.6 "Feature merge"). A
// configured (entityId, property) pair the child did not register
// remains present with its configured semantics only.
func (r *Registry) ApplyEntityRegistrations(adapterID string, registrations []wire.EntityRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byEntity := make(map[string]wire.EntityRegistration, len(registrations))
	for _, reg := range registrations {
		byEntity[reg.EntityID] = reg
	}

	for _, src := range r.sourcesByAdapter[adapterID] {
		reg, ok := byEntity[src.EntityID]
		if !ok {
			continue
		}
		reportedByProperty := make(map[string]wire.EntityPropertyRegistration, len(reg.Properties))
		for _, p := range reg.Properties {
			reportedByProperty[p.Property] = p
		}

		for _, sp := range src.Properties {
			reported, ok := reportedByProperty[string(sp.Property)]
			if !ok {
				continue
			}
			if sp.Features == nil {
				sp.Features = make(map[string]struct{})
			}
			for _, f := range reported.Features {
				sp.Features[f] = struct{}{}
			}
			if len(reported.CommandHints) > 0 {
				if sp.CommandHints == nil {
					sp.CommandHints = make(map[string]wire.CommandFieldDescriptor)
				}
				for k, v := range reported.CommandHints {
					sp.CommandHints[k] = v
				}
			}
		}
	}
}

// GetSourcesForProperty returns the sources in spaceId whose property
// set contains property (spec §4.6 "Lookup primitives").
func (r *Registry) GetSourcesForProperty(spaceID string, property model.Property) []*model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	space, ok := r.spaces[spaceID]
	if !ok {
		return nil
	}

	var out []*model.Source
	for _, src := range space.Sources {
		for _, sp := range src.Properties {
			if sp.Property == property {
				out = append(out, src)
				break
			}
		}
	}
	return out
}

// GetSourceRoute returns the dispatch route for sourceID and whether
// it exists (spec §4.6 "Lookup primitives").
func (r *Registry) GetSourceRoute(sourceID string) (model.Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[sourceID]
	return route, ok
}

// FindSource locates the configured source bound to adapterID's
// entityID, along with the space it belongs to, so a runtime event
// (which only ever carries the adapter/entity pair) can be routed back
// to its space for triage and reflex evaluation.
func (r *Registry) FindSource(adapterID, entityID string) (src *model.Source, spaceID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sourcesByAdapter[adapterID] {
		if s.EntityID == entityID {
			return s, s.SpaceID, true
		}
	}
	return nil, "", false
}

// ResolveAdapterForEntity finds the adapter that owns entityID, for
// callers (reflex's action dispatch) that only know an entity id and
// need the adapter id Execute requires.
func (r *Registry) ResolveAdapterForEntity(entityID string) (adapterID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for aid, sources := range r.sourcesByAdapter {
		for _, s := range sources {
			if s.EntityID == entityID {
				return aid, true
			}
		}
	}
	return "", false
}

// Space returns a shallow copy of the space's current state, or nil.
func (r *Registry) Space(spaceID string) *model.Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.spaces[spaceID]
	if !ok {
		return nil
	}
	cp := *sp
	return &cp
}
