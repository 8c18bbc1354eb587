// Package registry implements the Backend Registry (spec §3): an
// in-memory, read-mostly catalog of Backend descriptors. Reloads replace
// the whole catalog atomically so in-flight readers never observe a
// partially updated set (spec's "mutated only at startup/reload" / "reloads
// happen by atomic pointer swap"). Grounded on elida's router.go, whose
// NewRouter builds an immutable backends map from config at startup; here
// the map is additionally swappable via atomic.Pointer.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"elida/internal/types"
)

type snapshot struct {
	byID map[string]*types.Backend
	ids  []string // sorted for deterministic iteration
}

// Registry is a read-mostly catalog of Backend descriptors.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// New creates a Registry seeded with the given backends.
func New(backends []types.Backend) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(backends); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload atomically replaces the entire catalog. Existing readers holding
// a prior snapshot (via Get/All) are unaffected.
func (r *Registry) Reload(backends []types.Backend) error {
	byID := make(map[string]*types.Backend, len(backends))
	ids := make([]string, 0, len(backends))
	for i := range backends {
		b := backends[i]
		if b.ID == "" {
			return fmt.Errorf("registry: backend at index %d has empty ID", i)
		}
		if _, dup := byID[b.ID]; dup {
			return fmt.Errorf("registry: duplicate backend ID %q", b.ID)
		}
		cp := b
		byID[b.ID] = &cp
		ids = append(ids, b.ID)
	}
	sort.Strings(ids)

	r.current.Store(&snapshot{byID: byID, ids: ids})
	slog.Info("registry reloaded", "backend_count", len(ids))
	return nil
}

// Get returns the backend with the given ID from the current snapshot.
func (r *Registry) Get(id string) (*types.Backend, bool) {
	snap := r.current.Load()
	if snap == nil {
		return nil, false
	}
	b, ok := snap.byID[id]
	return b, ok
}

// All returns every backend in the current snapshot, in deterministic
// (lexicographic-by-ID) order.
func (r *Registry) All() []*types.Backend {
	snap := r.current.Load()
	if snap == nil {
		return nil
	}
	out := make([]*types.Backend, 0, len(snap.ids))
	for _, id := range snap.ids {
		out = append(out, snap.byID[id])
	}
	return out
}

// Len reports the number of backends in the current snapshot.
func (r *Registry) Len() int {
	snap := r.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.ids)
}
