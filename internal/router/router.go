// Package router finds candidate payment paths over the trust graph.
// Payments move debt sender→receiver, which traverses TrustLine edges in
// reverse: a hop from payer X to payee Y consumes capacity on the
// TrustLine (Y→X). The router works from short-lived lock-free
// snapshots; it never takes row locks, and capacity found here is only a
// hint that the engine re-verifies under locks.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// Config bounds the search.
type Config struct {
	KMax      int           `mapstructure:"k_max"`
	HopMax    int           `mapstructure:"hop_max"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cache_size"`
}

// DefaultConfig returns routing bounds suitable for community-scale graphs.
func DefaultConfig() Config {
	return Config{KMax: 4, HopMax: 6, Timeout: 500 * time.Millisecond, CacheSize: 64}
}

// Edge is one trustline edge of the snapshot with its residual capacity.
type Edge struct {
	Key       ledger.EdgeKey // TrustLine direction: From=creditor, To=debtor
	Available types.Amount
}

// Graph is an immutable adjacency snapshot for one equivalent.
// hops[X] lists the edges usable for a payment hop leaving X: each entry
// is a TrustLine (Y→X), so the hop destination is entry.Key.From.
type Graph struct {
	Equivalent string
	Generation uint64
	hops       map[types.PID][]Edge
}

// HopsFrom returns the usable hop edges leaving a payer node, in lexical
// edge order.
func (g *Graph) HopsFrom(p types.PID) []Edge { return g.hops[p] }

// Path is an ordered list of TrustLine edge keys, hop order
// sender→receiver.
type Path struct {
	Edges []ledger.EdgeKey
	// MinAvailable is the bottleneck residual observed on the snapshot.
	MinAvailable types.Amount
}

// Router finds paths and caches adjacency snapshots per
// (equivalent, generation). Only the CacheInvalidator may bump
// generations.
type Router struct {
	store storage.Store
	cfg   Config

	mu          sync.Mutex
	generations map[string]uint64
	cache       *lru.Cache[string, *Graph]
}

// New creates a router over a store.
func New(store storage.Store, cfg Config) (*Router, error) {
	if cfg.KMax <= 0 || cfg.HopMax <= 0 {
		return nil, fmt.Errorf("router: k_max and hop_max must be positive")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	cache, err := lru.New[string, *Graph](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		store:       store,
		cfg:         cfg,
		generations: make(map[string]uint64),
		cache:       cache,
	}, nil
}

// BumpGeneration invalidates the cached snapshot of one equivalent.
// Called exclusively by the CacheInvalidator.
func (r *Router) BumpGeneration(equivalent string) {
	r.mu.Lock()
	r.generations[equivalent]++
	r.mu.Unlock()
}

// Generation returns the current cache generation of an equivalent.
func (r *Router) Generation(equivalent string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[equivalent]
}

// Snapshot returns the adjacency graph for an equivalent, reloading from
// the store when the cached generation is stale.
func (r *Router) Snapshot(ctx context.Context, equivalent string) (*Graph, error) {
	r.mu.Lock()
	gen := r.generations[equivalent]
	r.mu.Unlock()

	key := fmt.Sprintf("%s@%d", equivalent, gen)
	if g, ok := r.cache.Get(key); ok {
		return g, nil
	}

	lines, err := r.store.SnapshotTrustLines(ctx, equivalent)
	if err != nil {
		return nil, err
	}

	g := &Graph{Equivalent: equivalent, Generation: gen, hops: make(map[types.PID][]Edge)}
	for _, tl := range lines {
		if tl.Status != ledger.TrustLineActive || tl.Available() <= 0 {
			continue
		}
		// TrustLine (From→To) carries a hop leaving To toward From.
		g.hops[tl.To] = append(g.hops[tl.To], Edge{Key: tl.Key(), Available: tl.Available()})
	}
	for p := range g.hops {
		edges := g.hops[p]
		sort.Slice(edges, func(i, j int) bool {
			return ledger.LexicalEdgeLess(edges[i].Key, edges[j].Key)
		})
	}

	r.cache.Add(key, g)
	return g, nil
}

// FindPaths returns up to KMax acyclic paths from sender to receiver
// whose bottleneck residual is at least minPerPath. Shortest paths come
// first; equal-length paths are ordered by their lexical edge key so the
// result is reproducible.
func (r *Router) FindPaths(ctx context.Context, sender, receiver types.PID, equivalent string, minPerPath types.Amount) ([]Path, error) {
	const op = "router.FindPaths"

	if sender == receiver {
		return nil, ledger.E(ledger.KindInvalidRequest, op, "sender and receiver are the same participant")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	g, err := r.Snapshot(ctx, equivalent)
	if err != nil {
		return nil, err
	}

	var found []Path
	reachable := false
	// Iterative deepening keeps enumeration deterministic: all paths of
	// length L are discovered, in lexical order, before any of length L+1.
	for depth := 1; depth <= r.cfg.HopMax && len(found) < r.cfg.KMax; depth++ {
		select {
		case <-ctx.Done():
			// Paths already found are usable; an empty result from an
			// expired search is a deadline, not a verdict on the graph.
			if len(found) == 0 {
				return nil, ledger.Wrap(ledger.KindTimeout, op, ctx.Err())
			}
			return found, nil
		default:
		}
		visited := map[types.PID]bool{sender: true}
		r.dfs(g, sender, receiver, depth, visited, nil, minPerPath, &found, &reachable)
	}

	if len(found) == 0 {
		if reachable {
			return nil, ledger.Ef(ledger.KindInsufficientCapacity, op,
				"paths from %s to %s in %s exist but residuals are below the per-path minimum",
				sender, receiver, equivalent)
		}
		return nil, ledger.Ef(ledger.KindNoPath, op,
			"no path from %s to %s in %s", sender, receiver, equivalent)
	}
	return found, nil
}

// dfs enumerates simple paths of exactly depth remaining hops.
func (r *Router) dfs(g *Graph, at, receiver types.PID, remaining int, visited map[types.PID]bool, prefix []Edge, minPerPath types.Amount, found *[]Path, reachable *bool) {
	if len(*found) >= r.cfg.KMax {
		return
	}
	for _, e := range g.HopsFrom(at) {
		next := e.Key.From // hop destination is the creditor of the line
		if visited[next] {
			continue
		}
		if remaining == 1 {
			if next != receiver {
				continue
			}
			path := append(append([]Edge{}, prefix...), e)
			min := path[0].Available
			keys := make([]ledger.EdgeKey, len(path))
			for i, pe := range path {
				keys[i] = pe.Key
				if pe.Available < min {
					min = pe.Available
				}
			}
			*reachable = true
			if min < minPerPath {
				continue
			}
			if pathSeen(*found, keys) {
				continue
			}
			*found = append(*found, Path{Edges: keys, MinAvailable: min})
			if len(*found) >= r.cfg.KMax {
				return
			}
			continue
		}
		if next == receiver {
			// A shorter arrival was already found at a previous depth.
			continue
		}
		visited[next] = true
		r.dfs(g, next, receiver, remaining-1, visited, append(prefix, e), minPerPath, found, reachable)
		delete(visited, next)
	}
}

func pathSeen(found []Path, keys []ledger.EdgeKey) bool {
	k := ledger.PathLexicalKey(keys)
	for _, p := range found {
		if ledger.PathLexicalKey(p.Edges) == k {
			return true
		}
	}
	return false
}
