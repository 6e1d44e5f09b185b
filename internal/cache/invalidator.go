// Package cache centralizes invalidation of the derived read models.
// Engines report what a committed operation touched; only the
// invalidator bumps router generations or drops patch width scales.
package cache

import (
	"github.com/openclearing/hubd/internal/events"
	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/router"
)

// Affected describes what a committed operation changed.
type Affected struct {
	// Equivalents whose edge set changed shape: lines created, closed,
	// frozen, or relimited. These invalidate both the routing snapshot
	// and the visual width scale.
	Topology []string
	// Edges whose used values moved without a shape change. Capacity
	// hints in the routing snapshot are stale, so the snapshot is
	// rebuilt, but width scales stay valid.
	Edges []ledger.EdgeKey
}

// TopologyChanged returns an Affected marking whole equivalents reshaped.
func TopologyChanged(equivalents ...string) Affected {
	return Affected{Topology: equivalents}
}

// EdgesChanged returns an Affected marking capacity movement only.
func EdgesChanged(keys []ledger.EdgeKey) Affected {
	return Affected{Edges: keys}
}

// Invalidator is the single owner of cache invalidation.
type Invalidator struct {
	router  *router.Router
	patches *events.PatchBuilder
}

// NewInvalidator wires the invalidator to the caches it owns.
func NewInvalidator(r *router.Router, p *events.PatchBuilder) *Invalidator {
	return &Invalidator{router: r, patches: p}
}

// Apply invalidates every cache the affected set makes stale.
func (inv *Invalidator) Apply(a Affected) {
	bumped := make(map[string]bool)
	for _, eq := range a.Topology {
		if bumped[eq] {
			continue
		}
		bumped[eq] = true
		inv.router.BumpGeneration(eq)
		inv.patches.DropScale(eq)
	}
	for _, k := range a.Edges {
		if bumped[k.Equivalent] {
			continue
		}
		bumped[k.Equivalent] = true
		inv.router.BumpGeneration(k.Equivalent)
	}
}
