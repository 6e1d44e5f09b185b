// Package memstore is an in-memory implementation of storage.Store. It
// backs standalone mode (running with no database) and the test suite.
// Sessions buffer writes in an overlay applied on commit; edge locks are
// real per-pair mutexes so concurrent sessions observe the same Conflict
// semantics as the SQL store.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// pairKey identifies the unordered participant pair of an edge in one
// equivalent. Both directions of a TrustLine/Debt aggregate share one
// lock.
type pairKey struct {
	equivalent string
	lo, hi     types.PID
}

func pairOf(k ledger.EdgeKey) pairKey {
	lo, hi := k.From, k.To
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	return pairKey{equivalent: k.Equivalent, lo: lo, hi: hi}
}

type debtKey struct {
	debtor, creditor types.PID
	equivalent       string
}

// Store is the in-memory store.
type Store struct {
	mu           sync.RWMutex
	participants map[types.PID]ledger.Participant
	equivalents  map[string]types.Equivalent
	trustlines   map[ledger.EdgeKey]ledger.TrustLine
	debts        map[debtKey]ledger.Debt
	transactions map[string]ledger.Transaction
	fired        map[uint64]bool

	seq    atomic.Uint64
	closed atomic.Bool

	lockMu sync.Mutex
	locks  map[pairKey]chan struct{}

	// LockTimeout bounds how long LockEdges waits for a contended pair
	// before surfacing Conflict.
	LockTimeout time.Duration
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		participants: make(map[types.PID]ledger.Participant),
		equivalents:  make(map[string]types.Equivalent),
		trustlines:   make(map[ledger.EdgeKey]ledger.TrustLine),
		debts:        make(map[debtKey]ledger.Debt),
		transactions: make(map[string]ledger.Transaction),
		fired:        make(map[uint64]bool),
		locks:        make(map[pairKey]chan struct{}),
		LockTimeout:  200 * time.Millisecond,
	}
}

func (s *Store) Open(ctx context.Context) error  { return nil }
func (s *Store) Close(ctx context.Context) error { s.closed.Store(true); return nil }

func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	return nil
}

// Begin opens a read-write session.
func (s *Store) Begin(ctx context.Context) (storage.Session, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	return newSession(s), nil
}

// SnapshotTrustLines returns a lock-free copy of one equivalent's lines.
func (s *Store) SnapshotTrustLines(ctx context.Context, equivalent string) ([]ledger.TrustLine, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.TrustLine
	for _, tl := range s.trustlines {
		if tl.Equivalent == equivalent {
			out = append(out, tl)
		}
	}
	return out, nil
}

// SnapshotDebts returns a lock-free copy of one equivalent's nonzero debts.
func (s *Store) SnapshotDebts(ctx context.Context, equivalent string) ([]ledger.Debt, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Debt
	for _, d := range s.debts {
		if d.Equivalent == equivalent && d.Amount > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

// lockChan returns the lock channel for a pair, creating it lazily.
func (s *Store) lockChan(p pairKey) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := s.locks[p]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[p] = ch
	}
	return ch
}

var _ storage.Store = (*Store)(nil)
