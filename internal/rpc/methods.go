package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/openclearing/hubd/internal/cache"
	"github.com/openclearing/hubd/internal/engine/inject"
	"github.com/openclearing/hubd/internal/engine/payment"
	"github.com/openclearing/hubd/internal/events"
	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// Handlers executes rpc commands against the hub services.
type Handlers struct {
	store    storage.Store
	orch     PaymentSubmitter
	bus      *events.Bus
	injector *inject.Engine
	inv      *cache.Invalidator
	patches  *events.PatchBuilder
	timeout  time.Duration
}

// PaymentSubmitter is the slice of the orchestrator the rpc layer
// needs.
type PaymentSubmitter interface {
	SubmitPayment(ctx context.Context, req payment.Request) (*payment.Result, error)
}

// NewHandlers wires the command handlers.
func NewHandlers(store storage.Store, orch PaymentSubmitter, bus *events.Bus, injector *inject.Engine, inv *cache.Invalidator, patches *events.PatchBuilder, timeout time.Duration) *Handlers {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handlers{store: store, orch: orch, bus: bus, injector: injector, inv: inv, patches: patches, timeout: timeout}
}

// Handle routes one command. subscribe_events is handled by the
// websocket layer because it binds to the connection.
func (h *Handlers) Handle(ctx context.Context, cmd Command) (interface{}, *wsError) {
	switch cmd.Command {
	case "submit_payment":
		return h.submitPayment(ctx, cmd.Params)
	case "register_participant":
		return h.registerParticipant(ctx, cmd.Params)
	case "open_trustline":
		return h.openTrustLine(ctx, cmd.Params)
	case "update_trustline":
		return h.updateTrustLine(ctx, cmd.Params)
	case "close_trustline":
		return h.closeTrustLine(ctx, cmd.Params)
	case "snapshot":
		var p snapshotParams
		if err := decode(cmd.Params, &p); err != nil {
			return nil, err
		}
		return h.Snapshot(ctx, p)
	default:
		return nil, invalidParams("unknown command " + cmd.Command)
	}
}

func (h *Handlers) submitPayment(ctx context.Context, params json.RawMessage) (interface{}, *wsError) {
	var p submitPaymentParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	eq, wserr := h.equivalent(ctx, p.Equivalent)
	if wserr != nil {
		return nil, wserr
	}
	amount, err := eq.Parse(p.Amount)
	if err != nil {
		return nil, invalidParams(err.Error())
	}

	res, err := h.orch.SubmitPayment(ctx, payment.Request{
		TxID:       p.TxID,
		From:       types.PID(p.From),
		To:         types.PID(p.To),
		Equivalent: p.Equivalent,
		Amount:     amount,
	})
	if err != nil {
		if ledger.IsKind(err, ledger.KindInProgress) {
			return map[string]interface{}{"tx_id": p.TxID, "state": "in_progress"}, nil
		}
		return nil, errorOf(err)
	}
	return map[string]interface{}{
		"tx_id":    res.TxID,
		"state":    string(res.State),
		"replayed": res.Replayed,
	}, nil
}

func (h *Handlers) registerParticipant(ctx context.Context, params json.RawMessage) (interface{}, *wsError) {
	var p registerParticipantParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	pid := types.PID(p.PID)
	if p.PublicKey != "" {
		key, err := hex.DecodeString(p.PublicKey)
		if err != nil {
			return nil, invalidParams("public_key is not valid hex")
		}
		pid = types.DerivePID(key)
	}
	if pid == "" {
		return nil, invalidParams("either public_key or pid is required")
	}

	res, wserr := h.mutate(ctx, func(sess storage.Session, res *inject.Result) error {
		return h.injector.AddParticipant(ctx, sess, inject.AddParticipantParams{
			PID:         pid,
			DisplayName: p.DisplayName,
			Type:        p.Type,
		}, res)
	})
	if wserr != nil {
		return nil, wserr
	}
	return map[string]interface{}{"pid": pid, "created": len(res.AddedNodes) > 0}, nil
}

func (h *Handlers) openTrustLine(ctx context.Context, params json.RawMessage) (interface{}, *wsError) {
	var p openTrustLineParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, wserr := h.mutate(ctx, func(sess storage.Session, res *inject.Result) error {
		return h.injector.CreateTrustLine(ctx, sess, inject.CreateTrustLineParams{
			From:       types.PID(p.From),
			To:         types.PID(p.To),
			Equivalent: p.Equivalent,
			Limit:      p.Limit,
		}, res)
	})
	if wserr != nil {
		return nil, wserr
	}
	return map[string]interface{}{"created": len(res.AddedEdges) > 0}, nil
}

func (h *Handlers) updateTrustLine(ctx context.Context, params json.RawMessage) (interface{}, *wsError) {
	var p updateTrustLineParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, wserr := h.mutate(ctx, func(sess storage.Session, res *inject.Result) error {
		return h.injector.UpdateTrustLine(ctx, sess, inject.UpdateTrustLineParams{
			From:       types.PID(p.From),
			To:         types.PID(p.To),
			Equivalent: p.Equivalent,
			Limit:      p.Limit,
		}, res)
	})
	if wserr != nil {
		return nil, wserr
	}
	return map[string]interface{}{"updated": len(res.ChangedEdges) > 0}, nil
}

func (h *Handlers) closeTrustLine(ctx context.Context, params json.RawMessage) (interface{}, *wsError) {
	var p closeTrustLineParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, wserr := h.mutate(ctx, func(sess storage.Session, res *inject.Result) error {
		return h.injector.CloseTrustLine(ctx, sess, inject.CloseTrustLineParams{
			From:       types.PID(p.From),
			To:         types.PID(p.To),
			Equivalent: p.Equivalent,
		}, res)
	})
	if wserr != nil {
		return nil, wserr
	}
	return map[string]interface{}{"closed": len(res.ChangedEdges) > 0}, nil
}

// snapshotResult is the full-state baseline sent to resyncing
// subscribers and snapshot callers.
type snapshotResult struct {
	Seq          uint64               `json:"seq"`
	Participants []ledger.Participant `json:"participants"`
	Equivalents  []types.Equivalent   `json:"equivalents"`
	Edges        []*events.EdgePatch  `json:"edges"`
}

// Snapshot renders the committed state: all participants, equivalents
// and per-equivalent full edge patches, stamped with the last published
// seq so the client knows where the live feed resumes.
func (h *Handlers) Snapshot(ctx context.Context, p snapshotParams) (interface{}, *wsError) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	sess, err := h.store.Begin(ctx)
	if err != nil {
		return nil, errorOf(err)
	}
	defer sess.Rollback(ctx)

	parts, err := sess.Participants().List(ctx)
	if err != nil {
		return nil, errorOf(err)
	}
	eqs, err := sess.Equivalents().List(ctx)
	if err != nil {
		return nil, errorOf(err)
	}

	snap := &snapshotResult{Seq: h.bus.LastSeq(), Participants: parts, Equivalents: eqs}
	for _, eq := range eqs {
		if p.Equivalent != "" && eq.Code != p.Equivalent {
			continue
		}
		patch, err := h.patches.FullEquivalent(ctx, eq)
		if err != nil {
			return nil, errorOf(err)
		}
		snap.Edges = append(snap.Edges, patch)
	}
	return snap, nil
}

func (h *Handlers) equivalent(ctx context.Context, code string) (types.Equivalent, *wsError) {
	var zero types.Equivalent
	sess, err := h.store.Begin(ctx)
	if err != nil {
		return zero, errorOf(err)
	}
	defer sess.Rollback(ctx)
	eq, err := sess.Equivalents().Get(ctx, code)
	if err != nil {
		return zero, errorOf(err)
	}
	if eq == nil {
		return zero, &wsError{Kind: ledger.KindInvalidRequest, Message: "unknown equivalent " + code}
	}
	return *eq, nil
}

// mutate runs one admin mutation in its own transaction, stages its
// topology events, commits, invalidates and publishes.
func (h *Handlers) mutate(ctx context.Context, fn func(sess storage.Session, res *inject.Result) error) (*inject.Result, *wsError) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	sess, err := h.store.Begin(ctx)
	if err != nil {
		return nil, errorOf(err)
	}
	res := &inject.Result{}
	col := &events.Collector{}
	if err := fn(sess, res); err != nil {
		_ = sess.Rollback(ctx)
		return nil, errorOf(err)
	}
	if err := inject.StageTopologyEvents(ctx, sess, h.patches, res, "admin", col); err != nil {
		_ = sess.Rollback(ctx)
		return nil, errorOf(err)
	}
	if err := sess.Commit(ctx); err != nil {
		return nil, errorOf(err)
	}
	if len(res.TouchedEquivalents) > 0 {
		h.inv.Apply(cache.TopologyChanged(res.TouchedEquivalents...))
	}
	if err := col.Flush(h.bus); err != nil {
		log.Printf("admin event publish failed: %v", err)
	}
	return res, nil
}

func decode(params json.RawMessage, out interface{}) *wsError {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}
