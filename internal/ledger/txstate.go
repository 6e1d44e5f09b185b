package ledger

// TxState is the lifecycle state of a Transaction. Transitions are
// monotonic along one of two linear paths:
//
//	pending -> preparing -> prepared -> committed
//	pending -> preparing -> prepared -> rolled_back | failed
type TxState string

const (
	TxPending    TxState = "pending"
	TxPreparing  TxState = "preparing"
	TxPrepared   TxState = "prepared"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled_back"
	TxFailed     TxState = "failed"
)

var txStateRank = map[TxState]int{
	TxPending:    0,
	TxPreparing:  1,
	TxPrepared:   2,
	TxCommitted:  3,
	TxRolledBack: 3,
	TxFailed:     3,
}

// Terminal reports whether the state is final.
func (s TxState) Terminal() bool {
	return s == TxCommitted || s == TxRolledBack || s == TxFailed
}

// CanTransition reports whether a transaction may move from -> to.
// Terminal states accept no transition; skipping intermediate states
// forward is allowed (a payment may go pending -> rolled_back when
// routing fails before prepare), moving backward is not.
func CanTransition(from, to TxState) bool {
	if from.Terminal() {
		return false
	}
	fr, ok := txStateRank[from]
	if !ok {
		return false
	}
	tr, ok := txStateRank[to]
	if !ok {
		return false
	}
	return tr > fr || (tr == fr && from == to)
}
