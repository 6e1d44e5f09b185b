package storage

import (
	"context"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/types"
)

// ApplyEdgeDelta mutates one edge aggregate under an already-held row
// lock: TrustLine.used changes by delta and the paired Debt changes
// symmetrically, keeping the dual-graph invariant. A positive delta is a
// payment hop, a negative delta a clearing decrement.
//
// The caller must have locked the edge via Session.LockEdges first.
func ApplyEdgeDelta(ctx context.Context, s Session, key ledger.EdgeKey, delta types.Amount) (*ledger.TrustLine, error) {
	const op = "storage.ApplyEdgeDelta"

	tl, err := s.TrustLines().Get(ctx, key.From, key.To, key.Equivalent)
	if err != nil {
		return nil, err
	}
	if tl == nil {
		return nil, ledger.Ef(ledger.KindInvalidRequest, op, "trustline %s does not exist", key)
	}
	if tl.Status != ledger.TrustLineActive {
		return nil, ledger.Ef(ledger.KindFrozen, op, "trustline %s is %s", key, tl.Status)
	}

	newUsed := tl.Used + delta
	if newUsed < 0 {
		return nil, ledger.Ef(ledger.KindConflict, op, "trustline %s used would go negative", key)
	}
	if newUsed > tl.Limit {
		return nil, ledger.Ef(ledger.KindInsufficientCapacity, op,
			"trustline %s: used %d + %d exceeds limit %d", key, tl.Used, delta, tl.Limit)
	}

	tl.Used = newUsed
	if err := s.TrustLines().Put(ctx, tl); err != nil {
		return nil, err
	}

	debt, err := s.Debts().Get(ctx, key.To, key.From, key.Equivalent)
	if err != nil {
		return nil, err
	}
	if debt == nil {
		debt = &ledger.Debt{Debtor: key.To, Creditor: key.From, Equivalent: key.Equivalent}
	}
	debt.Amount = newUsed
	if err := s.Debts().Put(ctx, debt); err != nil {
		return nil, err
	}

	return tl, nil
}
