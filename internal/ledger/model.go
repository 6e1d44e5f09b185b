// Package ledger defines the persistent data model of the hub: the
// participants, the TrustLine graph, its mirrored Debt graph, and the
// append-only Transaction record. It also owns the canonical edge
// ordering every locking operation must follow and the error taxonomy
// surfaced to callers.
package ledger

import (
	"time"

	"github.com/openclearing/hubd/internal/types"
)

// ParticipantType classifies a participant.
type ParticipantType string

const (
	ParticipantPerson   ParticipantType = "person"
	ParticipantBusiness ParticipantType = "business"
	ParticipantHub      ParticipantType = "hub"
)

// ParticipantStatus is the lifecycle state of a participant. Participants
// are never deleted in place; StatusDeleted is a tombstone.
type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "active"
	ParticipantSuspended ParticipantStatus = "suspended"
	ParticipantLeft      ParticipantStatus = "left"
	ParticipantDeleted   ParticipantStatus = "deleted"
)

// Participant is a node of the trust graph.
type Participant struct {
	PID         types.PID         `json:"pid"`
	DisplayName string            `json:"display_name"`
	Type        ParticipantType   `json:"type"`
	Status      ParticipantStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// TrustLineStatus is the lifecycle state of a TrustLine.
type TrustLineStatus string

const (
	TrustLineActive TrustLineStatus = "active"
	TrustLineFrozen TrustLineStatus = "frozen"
	TrustLineClosed TrustLineStatus = "closed"
)

// TrustLine is a directed credit ceiling: creditor From trusts debtor To
// up to Limit in one equivalent. Used tracks how much of the line is
// consumed; the paired Debt edge (To, From) always carries the same
// amount.
type TrustLine struct {
	From       types.PID       `json:"from"` // creditor
	To         types.PID       `json:"to"`   // debtor
	Equivalent string          `json:"equivalent"`
	Limit      types.Amount    `json:"limit"`
	Used       types.Amount    `json:"used"`
	Status     TrustLineStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	Policy     []byte          `json:"policy,omitempty"`
}

// Available is the residual routing capacity of the line.
func (t *TrustLine) Available() types.Amount {
	return t.Limit - t.Used
}

// Key returns the edge key of the line in TrustLine direction.
func (t *TrustLine) Key() EdgeKey {
	return EdgeKey{Equivalent: t.Equivalent, From: t.From, To: t.To}
}

// Debt is a directed obligation: Debtor owes Creditor Amount in one
// equivalent. It mirrors the used portion of the opposite TrustLine.
type Debt struct {
	Debtor     types.PID    `json:"debtor"`
	Creditor   types.PID    `json:"creditor"`
	Equivalent string       `json:"equivalent"`
	Amount     types.Amount `json:"amount"`
}

// TrustLineKey returns the key of the TrustLine this debt mirrors
// (creditor trusts debtor).
func (d *Debt) TrustLineKey() EdgeKey {
	return EdgeKey{Equivalent: d.Equivalent, From: d.Creditor, To: d.Debtor}
}

// TxType classifies a transaction record.
type TxType string

const (
	TxPayment  TxType = "PAYMENT"
	TxClearing TxType = "CLEARING"
)

// Transaction is the append-only record of an attempted state change.
// Once a transaction reaches a terminal state it is immutable.
type Transaction struct {
	TxID        string    `json:"tx_id"` // caller-supplied idempotency key
	Type        TxType    `json:"type"`
	Initiator   types.PID `json:"initiator"`
	Payload     []byte    `json:"payload,omitempty"`
	PayloadHash string    `json:"payload_hash,omitempty"`
	State       TxState   `json:"state"`
	ErrorKind   Kind      `json:"error_kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether the transaction can no longer change.
func (t *Transaction) Terminal() bool {
	return t.State.Terminal()
}
