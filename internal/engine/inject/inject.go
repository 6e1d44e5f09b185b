// Package inject applies scripted topology mutations: participants and
// trustlines appearing, freezing, closing, and debts seeded directly.
// Scenario files drive demonstrations and tests; the same operations
// back the rpc admin surface.
package inject

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openclearing/hubd/internal/engine/drift"
	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// Result accumulates what a batch of injected events changed, shaped
// for the topology.changed event and cache invalidation.
type Result struct {
	Applied int
	Skipped int

	AddedNodes  []types.PID
	AddedEdges  []ledger.EdgeKey
	FrozenNodes []types.PID
	FrozenEdges []ledger.EdgeKey
	// ChangedEdges lists every edge whose values moved, added and
	// frozen ones included.
	ChangedEdges []ledger.EdgeKey
	// TouchedEquivalents lists equivalents whose topology reshaped.
	TouchedEquivalents []string
	Notes              []string
}

// Empty reports whether the batch changed nothing observable.
func (r *Result) Empty() bool {
	return len(r.AddedNodes) == 0 && len(r.AddedEdges) == 0 &&
		len(r.FrozenNodes) == 0 && len(r.FrozenEdges) == 0 &&
		len(r.ChangedEdges) == 0
}

func (r *Result) touchEquivalent(eq string) {
	for _, e := range r.TouchedEquivalents {
		if e == eq {
			return
		}
	}
	r.TouchedEquivalents = append(r.TouchedEquivalents, eq)
}

// Engine applies injected events through the caller's session.
type Engine struct {
	history *drift.History
	logger  storage.Logger
}

// New creates an inject engine.
func New(history *drift.History, logger storage.Logger) *Engine {
	return &Engine{history: history, logger: logger}
}

// EnsureEquivalents upserts the scenario's equivalent definitions.
func (e *Engine) EnsureEquivalents(ctx context.Context, sess storage.Session, eqs []types.Equivalent) error {
	for _, eq := range eqs {
		existing, err := sess.Equivalents().Get(ctx, eq.Code)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Precision != eq.Precision {
				return ledger.Ef(ledger.KindInvalidRequest, "inject.EnsureEquivalents",
					"equivalent %s already defined with precision %d", eq.Code, existing.Precision)
			}
			continue
		}
		if err := sess.Equivalents().Put(ctx, eq); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDue applies every due, not-yet-fired event of the scenario, in
// scenario order. Events apply inside the caller's session; a failing
// event aborts the batch so the session can roll back as a unit.
func (e *Engine) ApplyDue(ctx context.Context, sess storage.Session, sc *Scenario, tick uint64) (*Result, error) {
	res := &Result{}
	for _, ev := range sc.Due(tick) {
		fired, err := sess.Scenario().IsFired(ctx, ev.Index)
		if err != nil {
			return res, err
		}
		if fired {
			res.Skipped++
			continue
		}
		if err := e.apply(ctx, sess, ev, res); err != nil {
			return res, err
		}
		if err := sess.Scenario().MarkFired(ctx, ev.Index); err != nil {
			return res, err
		}
		res.Applied++
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, sess storage.Session, ev Event, res *Result) error {
	const op = "inject.apply"
	switch ev.Op {
	case OpAddParticipant:
		var p AddParticipantParams
		if err := decodeParams(ev, &p); err != nil {
			return err
		}
		return e.AddParticipant(ctx, sess, p, res)
	case OpCreateTrustLine:
		var p CreateTrustLineParams
		if err := decodeParams(ev, &p); err != nil {
			return err
		}
		return e.CreateTrustLine(ctx, sess, p, res)
	case OpCloseTrustLine:
		var p CloseTrustLineParams
		if err := decodeParams(ev, &p); err != nil {
			return err
		}
		return e.CloseTrustLine(ctx, sess, p, res)
	case OpFreezeParticipant:
		var p FreezeParticipantParams
		if err := decodeParams(ev, &p); err != nil {
			return err
		}
		return e.FreezeParticipant(ctx, sess, p, res)
	case OpInjectDebt:
		var p InjectDebtParams
		if err := decodeParams(ev, &p); err != nil {
			return err
		}
		return e.InjectDebt(ctx, sess, p, res)
	case OpNote:
		var p NoteParams
		if err := decodeParams(ev, &p); err != nil {
			return err
		}
		res.Notes = append(res.Notes, p.Text)
		e.logger.Info("scenario note", "text", p.Text)
		return nil
	default:
		return ledger.Ef(ledger.KindInvalidRequest, op, "unknown op %q", ev.Op)
	}
}

func (e *Engine) AddParticipant(ctx context.Context, sess storage.Session, p AddParticipantParams, res *Result) error {
	const op = "inject.addParticipant"
	if err := types.ValidatePID(string(p.PID)); err != nil {
		return ledger.Wrap(ledger.KindInvalidRequest, op, err)
	}
	ptype := ledger.ParticipantType(p.Type)
	switch ptype {
	case ledger.ParticipantPerson, ledger.ParticipantBusiness, ledger.ParticipantHub:
	case "":
		ptype = ledger.ParticipantPerson
	default:
		return ledger.Ef(ledger.KindInvalidRequest, op, "unknown participant type %q", p.Type)
	}

	existing, err := sess.Participants().Get(ctx, p.PID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil // idempotent, initial lines included
	}
	if err := sess.Participants().Put(ctx, &ledger.Participant{
		PID:         p.PID,
		DisplayName: p.DisplayName,
		Type:        ptype,
		Status:      ledger.ParticipantActive,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	res.AddedNodes = append(res.AddedNodes, p.PID)

	// Initial lines open in the same session as the insert; a failing
	// line aborts the whole event so the participant never lands half
	// wired.
	for _, tl := range p.InitialTrustLines {
		if tl.From != p.PID && tl.To != p.PID {
			return ledger.Ef(ledger.KindInvalidRequest, op,
				"initial trustline %s->%s does not involve participant %s", tl.From, tl.To, p.PID)
		}
		if err := e.CreateTrustLine(ctx, sess, tl, res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) CreateTrustLine(ctx context.Context, sess storage.Session, p CreateTrustLineParams, res *Result) error {
	const op = "inject.createTrustLine"
	if p.From == p.To {
		return ledger.E(ledger.KindInvalidRequest, op, "a participant cannot trust itself")
	}
	eq, err := sess.Equivalents().Get(ctx, p.Equivalent)
	if err != nil {
		return err
	}
	if eq == nil {
		return ledger.Ef(ledger.KindNotFound, op, "unknown equivalent %s", p.Equivalent)
	}
	limit, err := eq.Parse(p.Limit)
	if err != nil {
		return ledger.Wrap(ledger.KindInvalidRequest, op, err)
	}
	if limit <= 0 {
		return ledger.E(ledger.KindInvalidRequest, op, "limit must be positive")
	}
	for _, pid := range []types.PID{p.From, p.To} {
		pa, err := sess.Participants().Get(ctx, pid)
		if err != nil {
			return err
		}
		if pa == nil {
			return ledger.Ef(ledger.KindNotFound, op, "unknown participant %s", pid)
		}
		if pa.Status != ledger.ParticipantActive {
			return ledger.Ef(ledger.KindFrozen, op, "participant %s is %s", pid, pa.Status)
		}
	}

	existing, err := sess.TrustLines().Get(ctx, p.From, p.To, p.Equivalent)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == ledger.TrustLineClosed {
			return ledger.Ef(ledger.KindAlreadyExists, op,
				"trustline %s->%s in %s was closed", p.From, p.To, p.Equivalent)
		}
		return nil // idempotent
	}
	if err := sess.TrustLines().Put(ctx, &ledger.TrustLine{
		From:       p.From,
		To:         p.To,
		Equivalent: p.Equivalent,
		Limit:      limit,
		Status:     ledger.TrustLineActive,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}
	key := ledger.EdgeKey{Equivalent: p.Equivalent, From: p.From, To: p.To}
	res.AddedEdges = append(res.AddedEdges, key)
	res.ChangedEdges = append(res.ChangedEdges, key)
	res.touchEquivalent(p.Equivalent)
	return nil
}

func (e *Engine) CloseTrustLine(ctx context.Context, sess storage.Session, p CloseTrustLineParams, res *Result) error {
	const op = "inject.closeTrustLine"
	tl, err := sess.TrustLines().Get(ctx, p.From, p.To, p.Equivalent)
	if err != nil {
		return err
	}
	if tl == nil {
		return ledger.Ef(ledger.KindNotFound, op, "trustline %s->%s in %s does not exist", p.From, p.To, p.Equivalent)
	}
	if tl.Status == ledger.TrustLineClosed {
		return nil // idempotent
	}
	if tl.Used != 0 {
		return ledger.Ef(ledger.KindNotEmpty, op,
			"trustline %s->%s in %s still carries %d of debt", p.From, p.To, p.Equivalent, tl.Used)
	}
	if err := sess.TrustLines().SetStatus(ctx, p.From, p.To, p.Equivalent, ledger.TrustLineClosed); err != nil {
		return err
	}
	key := tl.Key()
	e.history.Forget(key)
	res.ChangedEdges = append(res.ChangedEdges, key)
	res.touchEquivalent(p.Equivalent)
	return nil
}

// UpdateTrustLineParams relimits an existing line (rpc surface only,
// not a scenario op).
type UpdateTrustLineParams struct {
	From       types.PID `json:"from"`
	To         types.PID `json:"to"`
	Equivalent string    `json:"equivalent"`
	Limit      string    `json:"limit"`
}

// UpdateTrustLine changes the limit of an active line. The new limit
// must cover the outstanding used amount.
func (e *Engine) UpdateTrustLine(ctx context.Context, sess storage.Session, p UpdateTrustLineParams, res *Result) error {
	const op = "inject.updateTrustLine"
	eq, err := sess.Equivalents().Get(ctx, p.Equivalent)
	if err != nil {
		return err
	}
	if eq == nil {
		return ledger.Ef(ledger.KindNotFound, op, "unknown equivalent %s", p.Equivalent)
	}
	limit, err := eq.Parse(p.Limit)
	if err != nil {
		return ledger.Wrap(ledger.KindInvalidRequest, op, err)
	}
	if limit <= 0 {
		return ledger.E(ledger.KindInvalidRequest, op, "limit must be positive")
	}

	key := ledger.EdgeKey{Equivalent: p.Equivalent, From: p.From, To: p.To}
	if err := sess.LockEdges(ctx, []ledger.EdgeKey{key}); err != nil {
		return err
	}
	tl, err := sess.TrustLines().Get(ctx, p.From, p.To, p.Equivalent)
	if err != nil {
		return err
	}
	if tl == nil {
		return ledger.Ef(ledger.KindNotFound, op, "trustline %s->%s in %s does not exist", p.From, p.To, p.Equivalent)
	}
	if tl.Status != ledger.TrustLineActive {
		return ledger.Ef(ledger.KindFrozen, op, "trustline %s->%s in %s is %s", p.From, p.To, p.Equivalent, tl.Status)
	}
	if limit < tl.Used {
		return ledger.Ef(ledger.KindInvalidRequest, op,
			"new limit %d is below outstanding used %d", limit, tl.Used)
	}
	if limit == tl.Limit {
		return nil
	}
	tl.Limit = limit
	if err := sess.TrustLines().Put(ctx, tl); err != nil {
		return err
	}
	res.ChangedEdges = append(res.ChangedEdges, key)
	res.touchEquivalent(p.Equivalent)
	return nil
}

// FreezeParticipant suspends the participant and freezes every active
// line it touches, in both directions. Outstanding debt stays on the
// frozen lines; only new capacity use is blocked.
func (e *Engine) FreezeParticipant(ctx context.Context, sess storage.Session, p FreezeParticipantParams, res *Result) error {
	const op = "inject.freezeParticipant"
	pa, err := sess.Participants().Get(ctx, p.PID)
	if err != nil {
		return err
	}
	if pa == nil {
		return ledger.Ef(ledger.KindNotFound, op, "unknown participant %s", p.PID)
	}
	if pa.Status == ledger.ParticipantSuspended {
		return nil // idempotent
	}
	if pa.Status != ledger.ParticipantActive {
		return ledger.Ef(ledger.KindInvalidRequest, op, "participant %s is %s", p.PID, pa.Status)
	}
	if err := sess.Participants().SetStatus(ctx, p.PID, ledger.ParticipantSuspended); err != nil {
		return err
	}
	res.FrozenNodes = append(res.FrozenNodes, p.PID)

	lines, err := sess.TrustLines().ListByParticipant(ctx, p.PID)
	if err != nil {
		return err
	}
	for i := range lines {
		tl := &lines[i]
		if tl.Status != ledger.TrustLineActive {
			continue
		}
		if err := sess.TrustLines().SetStatus(ctx, tl.From, tl.To, tl.Equivalent, ledger.TrustLineFrozen); err != nil {
			return err
		}
		key := tl.Key()
		res.FrozenEdges = append(res.FrozenEdges, key)
		res.ChangedEdges = append(res.ChangedEdges, key)
		res.touchEquivalent(tl.Equivalent)
	}
	return nil
}

// InjectDebt sets the used amount of a line to an absolute value,
// seeding test topologies. The value must fit the line's limit.
func (e *Engine) InjectDebt(ctx context.Context, sess storage.Session, p InjectDebtParams, res *Result) error {
	const op = "inject.injectDebt"
	eq, err := sess.Equivalents().Get(ctx, p.Equivalent)
	if err != nil {
		return err
	}
	if eq == nil {
		return ledger.Ef(ledger.KindNotFound, op, "unknown equivalent %s", p.Equivalent)
	}
	amount, err := eq.Parse(p.Amount)
	if err != nil {
		return ledger.Wrap(ledger.KindInvalidRequest, op, err)
	}
	if amount < 0 {
		return ledger.E(ledger.KindInvalidRequest, op, "amount must not be negative")
	}

	key := ledger.EdgeKey{Equivalent: p.Equivalent, From: p.Creditor, To: p.Debtor}
	if err := sess.LockEdges(ctx, []ledger.EdgeKey{key}); err != nil {
		return err
	}
	tl, err := sess.TrustLines().Get(ctx, key.From, key.To, key.Equivalent)
	if err != nil {
		return err
	}
	if tl == nil {
		return ledger.Ef(ledger.KindNotFound, op, "no trustline %s->%s in %s", key.From, key.To, key.Equivalent)
	}
	if amount > tl.Limit {
		return ledger.Ef(ledger.KindInvalidRequest, op,
			"injected debt %d exceeds limit %d", amount, tl.Limit)
	}
	if _, err := storage.ApplyEdgeDelta(ctx, sess, key, amount-tl.Used); err != nil {
		return err
	}
	res.ChangedEdges = append(res.ChangedEdges, key)
	res.touchEquivalent(p.Equivalent)
	return nil
}

func decodeParams(ev Event, out interface{}) error {
	if len(ev.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Params, out); err != nil {
		return ledger.Ef(ledger.KindInvalidRequest, "inject.decodeParams",
			"event %d (%s): %v", ev.Index, ev.Op, err)
	}
	return nil
}
