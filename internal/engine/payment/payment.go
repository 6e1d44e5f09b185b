// Package payment executes multi-hop payments as a two-phase commit
// inside a storage savepoint. A payment either lands atomically on all
// hops of its plan or leaves the ledger untouched; the transaction
// record survives either way and carries the outcome.
package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openclearing/hubd/internal/events"
	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/router"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
	"github.com/openclearing/hubd/internal/wire"
)

// Config bounds payment execution.
type Config struct {
	// Deadline is the per-payment budget covering routing and the
	// two-phase apply. An expired deadline rolls the payment back.
	Deadline time.Duration `mapstructure:"deadline"`
	// AllowSplitting permits covering one payment over several paths
	// when no single path has enough residual.
	AllowSplitting bool `mapstructure:"allow_splitting"`
}

// DefaultConfig returns payment bounds for community-scale hubs.
func DefaultConfig() Config {
	return Config{Deadline: 2 * time.Second, AllowSplitting: true}
}

// Request is one payment submission. TxID is the caller's idempotency
// key: resubmitting the same TxID with the same payload returns the
// recorded outcome instead of paying twice.
type Request struct {
	TxID       string       `json:"tx_id"`
	From       types.PID    `json:"from"`
	To         types.PID    `json:"to"`
	Equivalent string       `json:"equivalent"`
	Amount     types.Amount `json:"amount"`
}

// Leg is one path of an executed payment plan with the amount it
// carried.
type Leg struct {
	Edges  []ledger.EdgeKey
	Amount types.Amount
}

// Result is the outcome of a payment submission.
type Result struct {
	TxID  string
	State ledger.TxState
	// Legs is the executed plan. Empty when Replayed or failed.
	Legs []Leg
	// Edges is the deduplicated set of edges the payment touched.
	Edges []ledger.EdgeKey
	// Replayed marks an idempotent hit on an earlier submission.
	Replayed bool
}

// Engine executes payments against an open session.
type Engine struct {
	router  *router.Router
	patches *events.PatchBuilder
	logger  storage.Logger
	cfg     Config
}

// New creates a payment engine.
func New(r *router.Router, patches *events.PatchBuilder, logger storage.Logger, cfg Config) *Engine {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultConfig().Deadline
	}
	return &Engine{router: r, patches: patches, logger: logger, cfg: cfg}
}

// Submit executes one payment inside the given session. The ledger
// writes happen in a savepoint so a failed payment never poisons the
// surrounding transaction; the transaction record is written outside
// the savepoint so the outcome survives a rollback. Events are staged
// on the collector and must only be flushed after the session commits.
func (e *Engine) Submit(ctx context.Context, sess storage.Session, req Request, col *events.Collector) (*Result, error) {
	const op = "payment.Submit"

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	eq, err := e.validate(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, ledger.Wrap(ledger.KindInvalidRequest, op, err)
	}
	hash, err := wire.Hash(req)
	if err != nil {
		return nil, ledger.Wrap(ledger.KindInvalidRequest, op, err)
	}

	// Idempotency: an existing record with the same payload replays its
	// outcome; a different payload under the same TxID is rejected.
	if prior, err := sess.Transactions().Get(ctx, req.TxID); err != nil {
		return nil, err
	} else if prior != nil {
		if prior.PayloadHash != hash {
			return nil, ledger.Ef(ledger.KindInvalidRequest, op,
				"tx_id %s was already used with a different payload", req.TxID)
		}
		if !prior.Terminal() {
			return nil, ledger.Ef(ledger.KindInProgress, op, "tx %s is still in progress", req.TxID)
		}
		res := &Result{TxID: req.TxID, State: prior.State, Replayed: true}
		if prior.State != ledger.TxCommitted {
			return res, ledger.Ef(prior.ErrorKind, op, "tx %s already %s", req.TxID, prior.State)
		}
		return res, nil
	}

	now := time.Now().UTC()
	rec := &ledger.Transaction{
		TxID:        req.TxID,
		Type:        ledger.TxPayment,
		Initiator:   req.From,
		Payload:     payload,
		PayloadHash: hash,
		State:       ledger.TxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := sess.Transactions().Put(ctx, rec); err != nil {
		return nil, err
	}

	legs, err := e.plan(ctx, req)
	if err != nil {
		return nil, e.fail(ctx, sess, req, eq, ledger.TxFailed, err, col)
	}

	res, rolledBack, err := e.execute(ctx, sess, req, eq, legs, col)
	if err != nil {
		if rolledBack {
			return nil, e.fail(ctx, sess, req, eq, ledger.TxRolledBack, err, col)
		}
		// The savepoint already released; only a session rollback can
		// undo the ledger writes now, so the error goes up untouched.
		return nil, err
	}
	return res, nil
}

func (e *Engine) validate(ctx context.Context, sess storage.Session, req Request) (types.Equivalent, error) {
	const op = "payment.validate"
	var zero types.Equivalent

	if req.TxID == "" {
		return zero, ledger.E(ledger.KindInvalidRequest, op, "tx_id is required")
	}
	if req.Amount <= 0 {
		return zero, ledger.E(ledger.KindInvalidRequest, op, "amount must be positive")
	}
	if req.From == req.To {
		return zero, ledger.E(ledger.KindInvalidRequest, op, "payer and payee are the same participant")
	}
	if err := types.ValidatePID(string(req.From)); err != nil {
		return zero, ledger.Wrap(ledger.KindInvalidRequest, op, err)
	}
	if err := types.ValidatePID(string(req.To)); err != nil {
		return zero, ledger.Wrap(ledger.KindInvalidRequest, op, err)
	}

	eq, err := sess.Equivalents().Get(ctx, req.Equivalent)
	if err != nil {
		return zero, err
	}
	if eq == nil {
		return zero, ledger.Ef(ledger.KindNotFound, op, "unknown equivalent %s", req.Equivalent)
	}

	for _, pid := range []types.PID{req.From, req.To} {
		p, err := sess.Participants().Get(ctx, pid)
		if err != nil {
			return zero, err
		}
		if p == nil {
			return zero, ledger.Ef(ledger.KindNotFound, op, "unknown participant %s", pid)
		}
		if p.Status != ledger.ParticipantActive {
			return zero, ledger.Ef(ledger.KindFrozen, op, "participant %s is %s", pid, p.Status)
		}
	}
	return *eq, nil
}

// plan routes the payment and assigns amounts greedily: shortest paths
// first, lexical order among equals, each leg carrying as much of the
// remainder as its snapshot bottleneck allows. Shared edges across legs
// can make the plan optimistic; execution re-verifies under locks.
func (e *Engine) plan(ctx context.Context, req Request) ([]Leg, error) {
	const op = "payment.plan"

	paths, err := e.router.FindPaths(ctx, req.From, req.To, req.Equivalent, 1)
	if err != nil {
		return nil, err
	}

	if !e.cfg.AllowSplitting {
		for _, p := range paths {
			if p.MinAvailable >= req.Amount {
				return []Leg{{Edges: p.Edges, Amount: req.Amount}}, nil
			}
		}
		return nil, ledger.Ef(ledger.KindInsufficientCapacity, op,
			"no single path carries %d and splitting is disabled", req.Amount)
	}

	remaining := req.Amount
	var legs []Leg
	for _, p := range paths {
		if remaining == 0 {
			break
		}
		take := remaining.Min(p.MinAvailable)
		if take <= 0 {
			continue
		}
		legs = append(legs, Leg{Edges: p.Edges, Amount: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, ledger.Ef(ledger.KindInsufficientCapacity, op,
			"candidate paths cover only %d of %d", req.Amount-remaining, req.Amount)
	}
	return legs, nil
}

// execute runs the two-phase apply inside a savepoint. rolledBack
// reports whether a returned error left the ledger untouched; when it
// is false the error happened after the savepoint released and the
// caller must abandon the whole session.
func (e *Engine) execute(ctx context.Context, sess storage.Session, req Request, eq types.Equivalent, legs []Leg, col *events.Collector) (res *Result, rolledBack bool, err error) {
	edges := planEdges(legs)

	sp, err := sess.Savepoint(ctx, "pay")
	if err != nil {
		return nil, false, err
	}
	abort := func(cause error) error {
		if rbErr := sp.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			e.logger.Error("payment savepoint rollback failed", "tx_id", req.TxID, "err", rbErr)
		}
		if ctx.Err() != nil && ledger.KindOf(cause) == "" {
			return ledger.Wrap(ledger.KindTimeout, "payment.execute", cause)
		}
		return cause
	}

	if err := sess.Transactions().UpdateState(ctx, req.TxID, ledger.TxPreparing, ""); err != nil {
		return nil, true, abort(err)
	}
	if err := sess.LockEdges(ctx, edges); err != nil {
		return nil, true, abort(err)
	}

	// Under locks the snapshot hints are re-verified by the apply
	// itself: every hop must still fit its line or the whole payment
	// rolls back.
	for _, leg := range legs {
		for _, key := range leg.Edges {
			if _, err := storage.ApplyEdgeDelta(ctx, sess, key, leg.Amount); err != nil {
				return nil, true, abort(err)
			}
		}
	}

	if err := sess.Transactions().UpdateState(ctx, req.TxID, ledger.TxPrepared, ""); err != nil {
		return nil, true, abort(err)
	}
	if err := sess.Transactions().UpdateState(ctx, req.TxID, ledger.TxCommitted, ""); err != nil {
		return nil, true, abort(err)
	}
	if err := sp.Release(ctx); err != nil {
		return nil, false, err
	}

	// Stamp after the savepoint released so a rollback cannot orphan
	// the sequence inside this transaction.
	seq, err := sess.NextEventSeq(ctx)
	if err != nil {
		return nil, false, err
	}
	patch, err := e.patches.Scoped(ctx, sess, eq, edges)
	if err != nil {
		return nil, false, err
	}
	col.Add(events.NewEvent(seq, events.KindTxUpdated, events.TxUpdated{
		TxID:       req.TxID,
		Type:       ledger.TxPayment,
		State:      ledger.TxCommitted,
		From:       req.From,
		To:         req.To,
		Equivalent: req.Equivalent,
		Amount:     eq.Format(req.Amount),
		Edges:      patch.Edges,
	}))

	e.logger.Info("payment committed",
		"tx_id", req.TxID, "from", req.From, "to", req.To,
		"equivalent", req.Equivalent, "amount", req.Amount, "legs", len(legs))

	return &Result{TxID: req.TxID, State: ledger.TxCommitted, Legs: legs, Edges: edges}, false, nil
}

// fail records the terminal failure on the transaction and stages the
// tx.failed event. The original error is returned so callers see the
// cause, not the bookkeeping.
func (e *Engine) fail(ctx context.Context, sess storage.Session, req Request, eq types.Equivalent, state ledger.TxState, cause error, col *events.Collector) error {
	// The payment deadline may already have fired; bookkeeping still
	// has to land.
	ctx = context.WithoutCancel(ctx)
	kind := ledger.KindOf(cause)
	if kind == "" {
		kind = ledger.KindConflict
	}
	if err := sess.Transactions().UpdateState(ctx, req.TxID, state, kind); err != nil {
		e.logger.Error("payment failure bookkeeping failed", "tx_id", req.TxID, "err", err)
		return cause
	}
	seq, err := sess.NextEventSeq(ctx)
	if err != nil {
		e.logger.Error("payment failure bookkeeping failed", "tx_id", req.TxID, "err", err)
		return cause
	}
	col.Add(events.NewEvent(seq, events.KindTxFailed, events.TxFailed{
		TxID:       req.TxID,
		Reason:     string(kind),
		Equivalent: req.Equivalent,
		Amount:     eq.Format(req.Amount),
	}))
	e.logger.Warn("payment failed",
		"tx_id", req.TxID, "kind", kind, "state", state)
	return cause
}

func planEdges(legs []Leg) []ledger.EdgeKey {
	var all []ledger.EdgeKey
	for _, leg := range legs {
		all = append(all, leg.Edges...)
	}
	return ledger.SortEdgeKeys(all)
}
