// Package storage defines the persistence contract of the hub. A Store
// opens transactional Sessions; a Session gives repository access to the
// six logical tables, nested savepoints for per-payment scopes, row
// locking in canonical order, and the durable event sequence.
package storage

import (
	"context"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/types"
)

// Logger is the minimal structured logger the storage layer depends on.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Store is the authoritative persistence layer. The payments session and
// the clearing session are independent Sessions; the router reads
// lock-free snapshots.
type Store interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	// Begin opens a read-write session (one database transaction).
	Begin(ctx context.Context) (Session, error)

	// SnapshotTrustLines returns all trustlines of one equivalent
	// without taking locks. The router builds its adjacency from this.
	SnapshotTrustLines(ctx context.Context, equivalent string) ([]ledger.TrustLine, error)

	// SnapshotDebts returns all nonzero debts of one equivalent without
	// taking locks. The clearing engine enumerates cycles from this.
	SnapshotDebts(ctx context.Context, equivalent string) ([]ledger.Debt, error)
}

// Session is one transactional scope. Commit and Rollback close the
// session; savepoints nest inside it so a rolled-back payment does not
// abort the surrounding tick.
type Session interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Savepoint opens a nested scope inside the session.
	Savepoint(ctx context.Context, name string) (Savepoint, error)

	// LockEdges pessimistically locks the TrustLine and Debt rows of the
	// given edges. Keys are sorted into canonical order internally; a
	// lock held by another session surfaces as KindConflict.
	LockEdges(ctx context.Context, keys []ledger.EdgeKey) error

	// NextEventSeq reserves the next value of the durable, monotonically
	// increasing event sequence.
	NextEventSeq(ctx context.Context) (uint64, error)

	Participants() ParticipantRepo
	Equivalents() EquivalentRepo
	TrustLines() TrustLineRepo
	Debts() DebtRepo
	Transactions() TransactionRepo
	Scenario() ScenarioRepo
}

// Savepoint is a nested scope. Release folds its writes into the outer
// session; Rollback discards them.
type Savepoint interface {
	Release(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ParticipantRepo accesses the Participant table.
type ParticipantRepo interface {
	Get(ctx context.Context, pid types.PID) (*ledger.Participant, error)
	Put(ctx context.Context, p *ledger.Participant) error
	SetStatus(ctx context.Context, pid types.PID, status ledger.ParticipantStatus) error
	List(ctx context.Context) ([]ledger.Participant, error)
}

// EquivalentRepo accesses the Equivalent table.
type EquivalentRepo interface {
	Get(ctx context.Context, code string) (*types.Equivalent, error)
	Put(ctx context.Context, e types.Equivalent) error
	List(ctx context.Context) ([]types.Equivalent, error)
}

// TrustLineRepo accesses the TrustLine table. Get returns nil when the
// line does not exist.
type TrustLineRepo interface {
	Get(ctx context.Context, from, to types.PID, equivalent string) (*ledger.TrustLine, error)
	Put(ctx context.Context, t *ledger.TrustLine) error
	SetStatus(ctx context.Context, from, to types.PID, equivalent string, status ledger.TrustLineStatus) error
	ListByEquivalent(ctx context.Context, equivalent string) ([]ledger.TrustLine, error)
	ListByParticipant(ctx context.Context, pid types.PID) ([]ledger.TrustLine, error)
	ListAll(ctx context.Context) ([]ledger.TrustLine, error)
}

// DebtRepo accesses the Debt table. Get returns nil when no debt row
// exists (amount zero).
type DebtRepo interface {
	Get(ctx context.Context, debtor, creditor types.PID, equivalent string) (*ledger.Debt, error)
	Put(ctx context.Context, d *ledger.Debt) error
	ListByEquivalent(ctx context.Context, equivalent string) ([]ledger.Debt, error)
}

// TransactionRepo accesses the append-only Transaction table.
// UpdateState must reject non-monotonic transitions (ledger.CanTransition).
type TransactionRepo interface {
	Get(ctx context.Context, txID string) (*ledger.Transaction, error)
	Put(ctx context.Context, t *ledger.Transaction) error
	UpdateState(ctx context.Context, txID string, state ledger.TxState, errKind ledger.Kind) error
}

// ScenarioRepo tracks which scenario event indexes have fired so a
// replayed scenario skips already-applied events.
type ScenarioRepo interface {
	IsFired(ctx context.Context, index uint64) (bool, error)
	MarkFired(ctx context.Context, index uint64) error
}
