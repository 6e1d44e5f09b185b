// Package orchestrator drives the hub's tick loop. Each tick applies
// due scenario events, executes queued payments, runs clearing on an
// isolated session, decays idle trust, commits, and only then lets the
// collected events reach subscribers.
package orchestrator

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclearing/hubd/internal/cache"
	"github.com/openclearing/hubd/internal/engine/clearing"
	"github.com/openclearing/hubd/internal/engine/drift"
	"github.com/openclearing/hubd/internal/engine/inject"
	"github.com/openclearing/hubd/internal/engine/payment"
	"github.com/openclearing/hubd/internal/events"
	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/metrics"
	"github.com/openclearing/hubd/internal/router"
	"github.com/openclearing/hubd/internal/storage"
)

// Config tunes the tick loop.
type Config struct {
	// TickInterval is the cadence of ticks.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// TickBudget bounds the work of one tick. Work past the budget is
	// skipped, never half-committed.
	TickBudget time.Duration `mapstructure:"tick_budget"`
	// QueueSize bounds the pending payment queue.
	QueueSize int `mapstructure:"queue_size"`
	// PingInterval is the store health check cadence.
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// DefaultConfig returns tick tuning for community-scale hubs.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		TickBudget:   800 * time.Millisecond,
		QueueSize:    128,
		PingInterval: 30 * time.Second,
	}
}

// Deps are the services the orchestrator coordinates.
type Deps struct {
	Store       storage.Store
	Router      *router.Router
	Payments    *payment.Engine
	Clearing    *clearing.Engine
	Drift       *drift.Engine
	Inject      *inject.Engine
	Invalidator *cache.Invalidator
	Patches     *events.PatchBuilder
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Logger      storage.Logger
	// Scenario is optional; without one, ticks only serve queued
	// payments, clearing and drift.
	Scenario *inject.Scenario
}

type outcome struct {
	res *payment.Result
	err error
}

type submission struct {
	req  payment.Request
	done chan outcome
}

// Orchestrator owns the tick loop and the payment queue.
type Orchestrator struct {
	d   Deps
	cfg Config

	queue  chan submission
	paused atomic.Bool
	tick   atomic.Uint64
}

// New creates an orchestrator.
func New(d Deps, cfg Config) *Orchestrator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.TickBudget <= 0 || cfg.TickBudget > cfg.TickInterval {
		cfg.TickBudget = cfg.TickInterval * 4 / 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	return &Orchestrator{d: d, cfg: cfg, queue: make(chan submission, cfg.QueueSize)}
}

// Tick returns the number of completed ticks.
func (o *Orchestrator) Tick() uint64 { return o.tick.Load() }

// SubmitPayment queues a payment for the next tick and waits for its
// outcome. A full queue rejects immediately rather than blocking the
// caller into the tick.
func (o *Orchestrator) SubmitPayment(ctx context.Context, req payment.Request) (*payment.Result, error) {
	sub := submission{req: req, done: make(chan outcome, 1)}
	select {
	case o.queue <- sub:
	case <-ctx.Done():
		return nil, ledger.Wrap(ledger.KindTimeout, "orchestrator.SubmitPayment", ctx.Err())
	default:
		return nil, ledger.E(ledger.KindConflict, "orchestrator.SubmitPayment", "payment queue is full")
	}
	select {
	case out := <-sub.done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ledger.Wrap(ledger.KindTimeout, "orchestrator.SubmitPayment", ctx.Err())
	}
}

// Pause suspends tick work. Queued payments wait.
func (o *Orchestrator) Pause(ctx context.Context) {
	if o.paused.CompareAndSwap(false, true) {
		o.publishStatus(ctx, "paused")
	}
}

// Resume restarts tick work.
func (o *Orchestrator) Resume(ctx context.Context) {
	if o.paused.CompareAndSwap(true, false) {
		o.publishStatus(ctx, "running")
	}
}

// Run executes the tick loop until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.publishStatus(ctx, "running")

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	health := time.NewTicker(o.cfg.PingInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx := context.WithoutCancel(ctx)
			o.publishStatus(stopCtx, "stopping")
			o.drainQueue()
			o.publishStatus(stopCtx, "stopped")
			return nil
		case <-health.C:
			o.healthCheck(ctx)
		case <-ticker.C:
			if o.paused.Load() {
				continue
			}
			if err := o.runTick(ctx); err != nil {
				o.d.Logger.Error("tick failed", "tick", o.tick.Load(), "err", err)
			}
		}
	}
}

// runTick executes one tick. Clearing starts concurrently on its own
// sessions; it conflicts with in-flight payments only on shared edges
// and skips those cycles.
func (o *Orchestrator) runTick(ctx context.Context) error {
	tick := o.tick.Add(1)
	start := time.Now()
	defer func() {
		o.d.Metrics.TickDuration.Observe(time.Since(start).Seconds())
		o.d.Metrics.BusSubscribers.Set(float64(o.d.Bus.SubscriberCount()))
	}()

	tctx, cancel := context.WithTimeout(ctx, o.cfg.TickBudget)
	defer cancel()

	sess, err := o.d.Store.Begin(tctx)
	if err != nil {
		return err
	}
	defer sess.Rollback(context.WithoutCancel(ctx))

	eqs, err := sess.Equivalents().List(tctx)
	if err != nil {
		return err
	}

	// Clearing runs while payments execute. Its per-cycle sessions take
	// their own locks; a cycle blocked by a payment of this tick is
	// skipped and retried on a later tick. Each pass stages its events
	// on its own collector; nothing reaches the bus until the tick's
	// single flush, which publishes payment and clearing events together
	// in stamped order.
	g, gctx := errgroup.WithContext(ctx)
	clearingRes := make([]*clearing.Result, len(eqs))
	clearingCols := make([]*events.Collector, len(eqs))
	for i := range eqs {
		i, eq := i, eqs[i]
		clearingCols[i] = &events.Collector{}
		g.Go(func() error {
			res, err := o.d.Clearing.Run(gctx, eq, tick, o.d.Clearing.LenMaxFor(tick), clearingCols[i])
			clearingRes[i] = res
			return err
		})
	}

	col := &events.Collector{}
	var replies []func()
	fail := func(sub submission, err error) {
		replies = append(replies, func() { sub.done <- outcome{err: err} })
		o.d.Metrics.PaymentsFailed.WithLabelValues(string(ledger.KindOf(err))).Inc()
	}

	abort := func(cause error) error {
		_ = sess.Rollback(context.WithoutCancel(ctx))
		col.Reset()
		for _, reply := range replies {
			reply()
		}
		if werr := g.Wait(); werr != nil {
			o.d.Logger.Error("clearing failed", "tick", tick, "err", werr)
		}
		// Cycles commit in their own transactions; their events outlive
		// the outer rollback and still must reach subscribers.
		for _, cc := range clearingCols {
			col.Merge(cc)
		}
		if ferr := col.Flush(o.d.Bus); ferr != nil {
			o.d.Logger.Error("event publish failed", "tick", tick, "err", ferr)
		}
		return cause
	}

	// Phase 1+2: scenario inject.
	injRes, err := o.applyInject(tctx, sess, tick, col)
	if err != nil {
		return abort(err)
	}

	// Phase 3: queued payments, checked against the budget per payment.
	overBudget := false
	var committedEdges []ledger.EdgeKey
drain:
	for {
		select {
		case sub := <-o.queue:
			if tctx.Err() != nil {
				overBudget = true
				fail(sub, ledger.Wrap(ledger.KindTimeout, "orchestrator.runTick", tctx.Err()))
				continue
			}
			res, perr := o.d.Payments.Submit(tctx, sess, sub.req, col)
			if perr != nil && ledger.KindOf(perr) == "" {
				fail(sub, perr)
				return abort(perr)
			}
			if perr != nil {
				fail(sub, perr)
				continue
			}
			replies = append(replies, func() { sub.done <- outcome{res: res} })
			o.d.Metrics.PaymentsCommitted.Inc()
			committedEdges = append(committedEdges, res.Edges...)
		default:
			break drain
		}
	}

	// Phase 4 boundary: let clearing finish before decay so drift never
	// races clearing's growth writes.
	if err := g.Wait(); err != nil {
		o.d.Logger.Error("clearing failed", "tick", tick, "err", err)
	}
	for _, res := range clearingRes {
		if res == nil {
			continue
		}
		o.d.Metrics.CyclesCleared.Add(float64(res.Cleared))
		o.d.Metrics.CyclesSkipped.Add(float64(res.Skipped))
	}
	for i, res := range clearingRes {
		if res != nil && res.ClearedTotal > 0 {
			o.d.Metrics.ClearedVolume.WithLabelValues(eqs[i].Code).Add(float64(res.ClearedTotal))
		}
	}

	// Phase 5: decay on the outer session.
	var decayRes *drift.Result
	if tctx.Err() == nil {
		decayRes, err = o.d.Drift.Decay(tctx, sess, tick)
		if err != nil {
			return abort(err)
		}
		if err := o.stageDecayEvents(tctx, sess, decayRes, col); err != nil {
			return abort(err)
		}
	} else {
		overBudget = true
	}

	// Phase 6: commit, then invalidate, then publish.
	if err := sess.Commit(context.WithoutCancel(ctx)); err != nil {
		return abort(err)
	}
	if overBudget {
		o.d.Metrics.TickOverBudget.Inc()
		o.d.Logger.Warn("tick over budget", "tick", tick)
	}

	if injRes != nil {
		o.d.Invalidator.Apply(cache.TopologyChanged(injRes.TouchedEquivalents...))
	}
	if decayRes != nil {
		for eq := range decayRes.EdgesByEquivalent {
			o.d.Invalidator.Apply(cache.TopologyChanged(eq))
		}
		o.d.Metrics.DriftUpdates.Add(float64(decayRes.Updated))
	}
	if len(committedEdges) > 0 {
		o.d.Invalidator.Apply(cache.EdgesChanged(committedEdges))
		o.d.Drift.History().Touch(committedEdges, tick)
	}

	for _, cc := range clearingCols {
		col.Merge(cc)
	}
	if err := col.Flush(o.d.Bus); err != nil {
		o.d.Logger.Error("event publish failed", "tick", tick, "err", err)
	}
	for _, reply := range replies {
		reply()
	}
	return nil
}

// applyInject runs the scenario phase and stages its topology events.
func (o *Orchestrator) applyInject(ctx context.Context, sess storage.Session, tick uint64, col *events.Collector) (*inject.Result, error) {
	if o.d.Scenario == nil {
		return nil, nil
	}
	if err := o.d.Inject.EnsureEquivalents(ctx, sess, o.d.Scenario.Equivalents); err != nil {
		return nil, err
	}
	res, err := o.d.Inject.ApplyDue(ctx, sess, o.d.Scenario, tick)
	if err != nil {
		return nil, err
	}
	if err := inject.StageTopologyEvents(ctx, sess, o.d.Patches, res, "inject", col); err != nil {
		return nil, err
	}
	return res, nil
}

// stageDecayEvents emits one topology.changed per equivalent the decay
// actually changed. Untouched equivalents emit nothing.
func (o *Orchestrator) stageDecayEvents(ctx context.Context, sess storage.Session, res *drift.Result, col *events.Collector) error {
	if res == nil || res.Updated == 0 {
		return nil
	}
	codes := make([]string, 0, len(res.EdgesByEquivalent))
	for eq := range res.EdgesByEquivalent {
		codes = append(codes, eq)
	}
	sort.Strings(codes)
	for _, code := range codes {
		eq, err := sess.Equivalents().Get(ctx, code)
		if err != nil {
			return err
		}
		patch, err := o.d.Patches.Scoped(ctx, sess, *eq, res.EdgesByEquivalent[code])
		if err != nil {
			return err
		}
		if patch.Empty() {
			continue
		}
		seq, err := sess.NextEventSeq(ctx)
		if err != nil {
			return err
		}
		col.Add(events.NewEvent(seq, events.KindTopologyChanged, events.TopologyChanged{
			Reason:    "trust_decay",
			EdgePatch: patch,
		}))
	}
	return nil
}

// publishStatus stamps and publishes a run_status change.
func (o *Orchestrator) publishStatus(ctx context.Context, state string) {
	sess, err := o.d.Store.Begin(ctx)
	if err != nil {
		o.d.Logger.Error("run_status stamp failed", "state", state, "err", err)
		return
	}
	seq, err := sess.NextEventSeq(ctx)
	if err == nil {
		err = sess.Commit(ctx)
	}
	if err != nil {
		_ = sess.Rollback(ctx)
		o.d.Logger.Error("run_status stamp failed", "state", state, "err", err)
		return
	}
	if err := o.d.Bus.Publish(events.NewEvent(seq, events.KindRunStatus, events.RunStatus{State: state})); err != nil {
		o.d.Logger.Error("run_status publish failed", "state", state, "err", err)
	}
	o.d.Logger.Info("run status", "state", state)
}

// drainQueue rejects everything still queued at shutdown.
func (o *Orchestrator) drainQueue() {
	for {
		select {
		case sub := <-o.queue:
			sub.done <- outcome{err: ledger.E(ledger.KindTimeout, "orchestrator.drainQueue", "hub is stopping")}
		default:
			return
		}
	}
}

func (o *Orchestrator) healthCheck(ctx context.Context) {
	if err := o.d.Store.Ping(ctx); err != nil {
		o.d.Metrics.StoreUp.Set(0)
		o.d.Logger.Warn("store ping failed", "err", err)
		return
	}
	o.d.Metrics.StoreUp.Set(1)
}
