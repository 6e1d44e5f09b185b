package events

import (
	"context"
	"sort"
	"sync"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// PatchBuilder renders edge patches. Visual widths come from the rank of
// an edge's limit among all limits of its equivalent; the rank scale is
// cached per equivalent and dropped by the cache invalidator whenever
// topology changes.
type PatchBuilder struct {
	store storage.Store

	mu     sync.Mutex
	scales map[string][]types.Amount // sorted limits per equivalent
}

// NewPatchBuilder creates a builder over a store.
func NewPatchBuilder(store storage.Store) *PatchBuilder {
	return &PatchBuilder{store: store, scales: make(map[string][]types.Amount)}
}

// DropScale discards the cached width scale of one equivalent.
func (b *PatchBuilder) DropScale(equivalent string) {
	b.mu.Lock()
	delete(b.scales, equivalent)
	b.mu.Unlock()
}

func (b *PatchBuilder) scale(ctx context.Context, equivalent string) ([]types.Amount, error) {
	b.mu.Lock()
	if s, ok := b.scales[equivalent]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	lines, err := b.store.SnapshotTrustLines(ctx, equivalent)
	if err != nil {
		return nil, err
	}
	s := make([]types.Amount, 0, len(lines))
	for _, tl := range lines {
		s = append(s, tl.Limit)
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	b.mu.Lock()
	b.scales[equivalent] = s
	b.mu.Unlock()
	return s, nil
}

// vizWidth maps a limit onto [1, 10] by rank within the scale.
func vizWidth(scale []types.Amount, limit types.Amount) float64 {
	if len(scale) < 2 {
		return 5.0
	}
	rank := sort.Search(len(scale), func(i int) bool { return scale[i] >= limit })
	return 1.0 + 9.0*float64(rank)/float64(len(scale)-1)
}

func entry(tl *ledger.TrustLine, eq types.Equivalent, scale []types.Amount) EdgePatchEntry {
	return EdgePatchEntry{
		From:      tl.From,
		To:        tl.To,
		Limit:     eq.Format(tl.Limit),
		Used:      eq.Format(tl.Used),
		Available: eq.Format(tl.Available()),
		Status:    string(tl.Status),
		VizWidth:  vizWidth(scale, tl.Limit),
	}
}

// Scoped builds a patch holding the fresh values of exactly the given
// edges, read through the session so it reflects uncommitted writes.
// Edges whose line no longer exists are skipped.
func (b *PatchBuilder) Scoped(ctx context.Context, sess storage.Session, eq types.Equivalent, keys []ledger.EdgeKey) (*EdgePatch, error) {
	scale, err := b.scale(ctx, eq.Code)
	if err != nil {
		return nil, err
	}
	p := &EdgePatch{Equivalent: eq.Code}
	for _, k := range ledger.SortEdgeKeys(keys) {
		tl, err := sess.TrustLines().Get(ctx, k.From, k.To, k.Equivalent)
		if err != nil {
			return nil, err
		}
		if tl == nil {
			continue
		}
		p.Edges = append(p.Edges, entry(tl, eq, scale))
	}
	return p, nil
}

// FullEquivalent builds a whole-equivalent patch from a committed
// snapshot. Trust-drift growth uses this after its commit.
func (b *PatchBuilder) FullEquivalent(ctx context.Context, eq types.Equivalent) (*EdgePatch, error) {
	b.DropScale(eq.Code)
	lines, err := b.store.SnapshotTrustLines(ctx, eq.Code)
	if err != nil {
		return nil, err
	}
	scale, err := b.scale(ctx, eq.Code)
	if err != nil {
		return nil, err
	}
	sort.Slice(lines, func(i, j int) bool {
		return ledger.LexicalEdgeLess(lines[i].Key(), lines[j].Key())
	})
	p := &EdgePatch{Equivalent: eq.Code, Full: true}
	for i := range lines {
		p.Edges = append(p.Edges, entry(&lines[i], eq, scale))
	}
	return p, nil
}
