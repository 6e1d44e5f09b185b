// Package drift adjusts trust limits from observed activity. Lines that
// keep participating in cleared cycles grow; lines that sit idle decay
// toward a floor. All arithmetic is integer basis points, so repeated
// application is exactly reproducible.
package drift

import (
	"context"
	"sort"
	"sync"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// Config tunes the growth and decay rules.
type Config struct {
	// GrowthBps raises the limit by limit*GrowthBps/10000 when a line
	// qualifies for growth.
	GrowthBps int64 `mapstructure:"growth_bps"`
	// GrowthWindow is the tick window over which clearing participation
	// is counted.
	GrowthWindow uint64 `mapstructure:"growth_window"`
	// GrowthMinEvents is how many cleared cycles inside the window a
	// line needs before it grows.
	GrowthMinEvents int `mapstructure:"growth_min_events"`
	// LimitMax caps grown limits.
	LimitMax types.Amount `mapstructure:"limit_max"`

	// DecayBps lowers the limit by limit*DecayBps/10000 per decay
	// application.
	DecayBps int64 `mapstructure:"decay_bps"`
	// IdleTicks is how long a line must see no activity before it
	// decays.
	IdleTicks uint64 `mapstructure:"idle_ticks"`
	// LimitMin floors decayed limits. The effective floor of a line is
	// max(LimitMin, used): decay never cuts below outstanding debt.
	LimitMin types.Amount `mapstructure:"limit_min"`
}

// DefaultConfig returns drift tuning for community-scale hubs.
func DefaultConfig() Config {
	return Config{
		GrowthBps:       500,
		GrowthWindow:    50,
		GrowthMinEvents: 3,
		LimitMax:        types.MaxAmount,
		DecayBps:        1000,
		IdleTicks:       10,
		LimitMin:        0,
	}
}

type edgeStats struct {
	lastActive uint64
	cleared    []uint64 // ticks of clearing participation, pruned to window
}

// History tracks per-edge activity in memory. It is a heuristic input,
// not ledger state: a restart resets it and drift simply restarts its
// observation.
type History struct {
	mu    sync.Mutex
	stats map[ledger.EdgeKey]*edgeStats
}

// NewHistory creates an empty activity history.
func NewHistory() *History {
	return &History{stats: make(map[ledger.EdgeKey]*edgeStats)}
}

// Touch marks edges active at tick. Payments and clearing both count.
func (h *History) Touch(keys []ledger.EdgeKey, tick uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range keys {
		h.stat(k).lastActive = tick
	}
}

// Forget drops the stats of an edge. Called when a line closes.
func (h *History) Forget(key ledger.EdgeKey) {
	h.mu.Lock()
	delete(h.stats, key)
	h.mu.Unlock()
}

func (h *History) stat(k ledger.EdgeKey) *edgeStats {
	s, ok := h.stats[k]
	if !ok {
		s = &edgeStats{}
		h.stats[k] = s
	}
	return s
}

// recordCleared marks clearing participation and reports how many
// cleared events the window now holds.
func (h *History) recordCleared(k ledger.EdgeKey, tick, window uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stat(k)
	s.lastActive = tick
	s.cleared = append(s.cleared, tick)
	keep := s.cleared[:0]
	for _, t := range s.cleared {
		if t+window > tick {
			keep = append(keep, t)
		}
	}
	s.cleared = keep
	return len(s.cleared)
}

func (h *History) lastActive(k ledger.EdgeKey) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.stats[k]; ok {
		return s.lastActive
	}
	return 0
}

// Result summarizes one decay pass.
type Result struct {
	Updated int
	// EdgesByEquivalent lists the relimited edges per equivalent, in
	// lexical order. Equivalents with no change are absent, so no
	// empty patch is ever emitted for them.
	EdgesByEquivalent map[string][]ledger.EdgeKey
}

// Engine applies drift inside sessions owned by its callers.
type Engine struct {
	history *History
	logger  storage.Logger
	cfg     Config
}

// New creates a drift engine.
func New(history *History, logger storage.Logger, cfg Config) *Engine {
	return &Engine{history: history, logger: logger, cfg: cfg}
}

// History exposes the activity history for the orchestrator to touch
// after payments.
func (e *Engine) History() *History { return e.history }

// Growth records clearing participation for the cycle's edges and
// raises the limit of every line that reached the qualification count.
// It writes through the caller's session so growth commits atomically
// with the cycle that triggered it. Returns the relimited edges.
func (e *Engine) Growth(ctx context.Context, sess storage.Session, cycleEdges []ledger.EdgeKey, tick uint64) ([]ledger.EdgeKey, error) {
	var updated []ledger.EdgeKey
	for _, k := range cycleEdges {
		n := e.history.recordCleared(k, tick, e.cfg.GrowthWindow)
		if n < e.cfg.GrowthMinEvents {
			continue
		}
		tl, err := sess.TrustLines().Get(ctx, k.From, k.To, k.Equivalent)
		if err != nil {
			return nil, err
		}
		if tl == nil || tl.Status != ledger.TrustLineActive {
			continue
		}
		newLimit := tl.Limit + tl.Limit.MulBps(e.cfg.GrowthBps)
		if e.cfg.LimitMax > 0 && newLimit > e.cfg.LimitMax {
			newLimit = e.cfg.LimitMax
		}
		if newLimit == tl.Limit {
			continue
		}
		tl.Limit = newLimit
		if err := sess.TrustLines().Put(ctx, tl); err != nil {
			return nil, err
		}
		updated = append(updated, k)
		e.logger.Debug("trust grown", "edge", k, "limit", newLimit)
	}
	return updated, nil
}

// Decay lowers the limit of every active line idle for at least
// IdleTicks. The floor of each line is max(LimitMin, used); lines
// already at their floor are left alone.
func (e *Engine) Decay(ctx context.Context, sess storage.Session, tick uint64) (*Result, error) {
	if tick < e.cfg.IdleTicks {
		return &Result{EdgesByEquivalent: map[string][]ledger.EdgeKey{}}, nil
	}

	lines, err := sess.TrustLines().ListAll(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{EdgesByEquivalent: make(map[string][]ledger.EdgeKey)}
	for i := range lines {
		tl := &lines[i]
		if tl.Status != ledger.TrustLineActive {
			continue
		}
		k := tl.Key()
		if tick-e.history.lastActive(k) < e.cfg.IdleTicks {
			continue
		}
		floor := e.cfg.LimitMin
		if tl.Used > floor {
			floor = tl.Used
		}
		if tl.Limit <= floor {
			continue
		}
		step := tl.Limit.MulBps(e.cfg.DecayBps)
		if step == 0 {
			// Integer rounding must not stall decay above the floor.
			step = 1
		}
		newLimit := tl.Limit - step
		if newLimit < floor {
			newLimit = floor
		}
		tl.Limit = newLimit
		if err := sess.TrustLines().Put(ctx, tl); err != nil {
			return nil, err
		}
		res.Updated++
		res.EdgesByEquivalent[k.Equivalent] = append(res.EdgesByEquivalent[k.Equivalent], k)
	}

	for eq := range res.EdgesByEquivalent {
		keys := res.EdgesByEquivalent[eq]
		sort.Slice(keys, func(i, j int) bool { return ledger.LexicalEdgeLess(keys[i], keys[j]) })
	}
	if res.Updated > 0 {
		e.logger.Info("trust decayed", "tick", tick, "updated", res.Updated)
	}
	return res, nil
}
