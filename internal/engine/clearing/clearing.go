// Package clearing cancels debt cycles. Whenever a ring of participants
// each owe the next, the minimum debt along the ring can be subtracted
// from every hop without changing anyone's net position; the cleared
// volume frees trust capacity for new payments.
//
// Each cycle clears in its own short transaction. A cycle whose rows
// are locked by a concurrent payment, or whose debts shrank since the
// snapshot, is skipped rather than waited on; it reappears in a later
// enumeration if still present.
package clearing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/openclearing/hubd/internal/cache"
	"github.com/openclearing/hubd/internal/engine/drift"
	"github.com/openclearing/hubd/internal/events"
	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// Config bounds cycle enumeration.
type Config struct {
	// CycleLenMax bounds on-tick enumeration.
	CycleLenMax int `mapstructure:"cycle_len_max"`
	// DeepCycleLenMax bounds the periodic deep pass.
	DeepCycleLenMax int `mapstructure:"deep_cycle_len_max"`
	// DeepEvery runs the deep pass every N ticks. Zero disables it.
	DeepEvery uint64 `mapstructure:"deep_every"`
	// MaxCyclesPerTick caps how many cycles one pass may clear.
	MaxCyclesPerTick int `mapstructure:"max_cycles_per_tick"`
}

// DefaultConfig returns clearing bounds for community-scale graphs.
func DefaultConfig() Config {
	return Config{CycleLenMax: 4, DeepCycleLenMax: 6, DeepEvery: 10, MaxCyclesPerTick: 32}
}

// Result summarizes one clearing pass over one equivalent.
type Result struct {
	Enumerated   int
	Cleared      int
	Skipped      int
	ClearedTotal types.Amount
	// TouchedEdges is the deduplicated set of edges the pass
	// decremented, for cache invalidation and activity tracking.
	TouchedEdges []ledger.EdgeKey
	// GrownEdges lists edges whose limit grew from participation.
	GrownEdges []ledger.EdgeKey
}

// Engine runs clearing passes. It owns its per-cycle sessions but never
// publishes: each cycle's events are staged on the caller's collector,
// which flushes the whole tick in stamped order. Payments of the same
// tick stamp their sequences earlier on a session that commits later;
// publishing clearing eagerly would put the journal ahead of them and
// the flush would reject their events.
type Engine struct {
	store   storage.Store
	patches *events.PatchBuilder
	drift   *drift.Engine
	inv     *cache.Invalidator
	logger  storage.Logger
	cfg     Config
}

// New creates a clearing engine.
func New(store storage.Store, patches *events.PatchBuilder, dr *drift.Engine, inv *cache.Invalidator, logger storage.Logger, cfg Config) *Engine {
	if cfg.CycleLenMax < 2 {
		cfg.CycleLenMax = DefaultConfig().CycleLenMax
	}
	if cfg.MaxCyclesPerTick <= 0 {
		cfg.MaxCyclesPerTick = DefaultConfig().MaxCyclesPerTick
	}
	return &Engine{store: store, patches: patches, drift: dr, inv: inv, logger: logger, cfg: cfg}
}

// LenMaxFor picks the enumeration bound for a tick: the deep bound on
// deep ticks, the on-tick bound otherwise.
func (e *Engine) LenMaxFor(tick uint64) int {
	if e.cfg.DeepEvery > 0 && tick > 0 && tick%e.cfg.DeepEvery == 0 {
		if e.cfg.DeepCycleLenMax > e.cfg.CycleLenMax {
			return e.cfg.DeepCycleLenMax
		}
	}
	return e.cfg.CycleLenMax
}

// Run executes one clearing pass over one equivalent. Enumeration works
// on a lock-free snapshot; every candidate cycle is re-read under locks
// before it clears. Events land on col; the caller publishes them after
// its own commit. col must not be shared with a concurrent pass.
func (e *Engine) Run(ctx context.Context, eq types.Equivalent, tick uint64, lenMax int, col *events.Collector) (*Result, error) {
	debts, err := e.store.SnapshotDebts(ctx, eq.Code)
	if err != nil {
		return nil, err
	}
	cycles := EnumerateCycles(eq.Code, debts, lenMax)

	res := &Result{Enumerated: len(cycles)}
	touched := make(map[ledger.EdgeKey]bool)
	for _, c := range cycles {
		if res.Cleared >= e.cfg.MaxCyclesPerTick {
			break
		}
		if ctx.Err() != nil {
			break
		}
		cleared, grown, err := e.clearCycle(ctx, eq, c, tick, col)
		if err != nil {
			if ledger.IsKind(err, ledger.KindConflict) {
				res.Skipped++
				e.logger.Debug("cycle skipped on lock conflict", "cycle", c.Key())
				continue
			}
			return res, err
		}
		if cleared == 0 {
			res.Skipped++
			continue
		}
		res.Cleared++
		res.ClearedTotal += cleared
		for _, k := range c.Edges() {
			if !touched[k] {
				touched[k] = true
				res.TouchedEdges = append(res.TouchedEdges, k)
			}
		}
		res.GrownEdges = append(res.GrownEdges, grown...)
	}
	res.TouchedEdges = ledger.SortEdgeKeys(res.TouchedEdges)

	if res.Cleared > 0 {
		e.logger.Info("clearing pass done",
			"equivalent", eq.Code, "tick", tick,
			"enumerated", res.Enumerated, "cleared", res.Cleared,
			"skipped", res.Skipped, "total", res.ClearedTotal)
	}
	return res, nil
}

// clearCycle clears one cycle in its own transaction. Returns the
// cleared amount, zero when the cycle went stale between snapshot and
// lock.
func (e *Engine) clearCycle(ctx context.Context, eq types.Equivalent, c Cycle, tick uint64, col *events.Collector) (types.Amount, []ledger.EdgeKey, error) {
	keys := c.Edges()

	sess, err := e.store.Begin(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer sess.Rollback(context.WithoutCancel(ctx))

	if err := sess.LockEdges(ctx, keys); err != nil {
		return 0, nil, err
	}

	// Re-read under locks: a concurrent payment or an earlier cycle of
	// this pass may have consumed the snapshot amounts.
	n := len(c.PIDs)
	min := types.MaxAmount
	for i := 0; i < n; i++ {
		d, err := sess.Debts().Get(ctx, c.PIDs[i], c.PIDs[(i+1)%n], eq.Code)
		if err != nil {
			return 0, nil, err
		}
		if d == nil || d.Amount <= 0 {
			return 0, nil, nil // stale
		}
		min = min.Min(d.Amount)
	}

	for _, k := range keys {
		if _, err := storage.ApplyEdgeDelta(ctx, sess, k, -min); err != nil {
			if ledger.IsKind(err, ledger.KindFrozen) {
				// A hop froze after the snapshot; the ring is not
				// clearable right now.
				return 0, nil, nil
			}
			return 0, nil, err
		}
	}

	now := time.Now().UTC()
	rec := &ledger.Transaction{
		TxID:      clearingTxID(eq.Code, tick, c),
		Type:      ledger.TxClearing,
		Initiator: c.PIDs[0],
		State:     ledger.TxCommitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sess.Transactions().Put(ctx, rec); err != nil {
		return 0, nil, err
	}

	grown, err := e.drift.Growth(ctx, sess, keys, tick)
	if err != nil {
		return 0, nil, err
	}

	seq, err := sess.NextEventSeq(ctx)
	if err != nil {
		return 0, nil, err
	}
	patch, err := e.patches.Scoped(ctx, sess, eq, keys)
	if err != nil {
		return 0, nil, err
	}
	var growSeq uint64
	var growPatch *events.EdgePatch
	if len(grown) > 0 {
		if growSeq, err = sess.NextEventSeq(ctx); err != nil {
			return 0, nil, err
		}
		if growPatch, err = e.patches.Scoped(ctx, sess, eq, grown); err != nil {
			return 0, nil, err
		}
	}

	if err := sess.Commit(ctx); err != nil {
		if errors.Is(err, storage.ErrLockConflict) {
			return 0, nil, ledger.Wrap(ledger.KindConflict, "clearing.clearCycle", err)
		}
		return 0, nil, err
	}

	// Committed: invalidate caches, then stage in stamped order.
	if len(grown) > 0 {
		e.inv.Apply(cache.TopologyChanged(eq.Code))
	} else {
		e.inv.Apply(cache.EdgesChanged(keys))
	}
	e.drift.History().Touch(keys, tick)

	refs := make([]events.EdgeRef, len(keys))
	for i, k := range keys {
		refs[i] = events.RefOf(k)
	}
	col.Add(events.NewEvent(seq, events.KindClearingDone, events.ClearingDone{
		CycleEdges:    refs,
		ClearedAmount: eq.Format(min),
		Equivalent:    eq.Code,
		Edges:         patch.Edges,
	}))
	if growPatch != nil {
		col.Add(events.NewEvent(growSeq, events.KindTopologyChanged, events.TopologyChanged{
			Reason:    "trust_growth",
			EdgePatch: growPatch,
		}))
	}
	return min, grown, nil
}

// clearingTxID derives a stable id from the cycle identity and the
// tick, so a pass retried after a crash cannot double-record.
func clearingTxID(equivalent string, tick uint64, c Cycle) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("clearing:%s:%d:%s", equivalent, tick, c.Key())))
	return "clr-" + hex.EncodeToString(sum[:8])
}
