package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

type table int

const (
	tblParticipants table = iota
	tblEquivalents
	tblTrustLines
	tblDebts
	tblTransactions
	tblFired
)

// undoEntry records the overlay state before a write so savepoint
// rollback can restore it.
type undoEntry struct {
	tbl     table
	key     interface{}
	hadPrev bool
	prev    interface{}
}

type session struct {
	st *Store

	participants map[types.PID]ledger.Participant
	equivalents  map[string]types.Equivalent
	trustlines   map[ledger.EdgeKey]ledger.TrustLine
	debts        map[debtKey]ledger.Debt
	transactions map[string]ledger.Transaction
	fired        map[uint64]bool

	log    []undoEntry
	held   map[pairKey]chan struct{}
	closed bool
}

func newSession(st *Store) *session {
	return &session{
		st:           st,
		participants: make(map[types.PID]ledger.Participant),
		equivalents:  make(map[string]types.Equivalent),
		trustlines:   make(map[ledger.EdgeKey]ledger.TrustLine),
		debts:        make(map[debtKey]ledger.Debt),
		transactions: make(map[string]ledger.Transaction),
		fired:        make(map[uint64]bool),
		held:         make(map[pairKey]chan struct{}),
	}
}

func (s *session) record(tbl table, key interface{}, hadPrev bool, prev interface{}) {
	s.log = append(s.log, undoEntry{tbl: tbl, key: key, hadPrev: hadPrev, prev: prev})
}

func (s *session) undoTo(mark int) {
	for i := len(s.log) - 1; i >= mark; i-- {
		e := s.log[i]
		switch e.tbl {
		case tblParticipants:
			k := e.key.(types.PID)
			if e.hadPrev {
				s.participants[k] = e.prev.(ledger.Participant)
			} else {
				delete(s.participants, k)
			}
		case tblEquivalents:
			k := e.key.(string)
			if e.hadPrev {
				s.equivalents[k] = e.prev.(types.Equivalent)
			} else {
				delete(s.equivalents, k)
			}
		case tblTrustLines:
			k := e.key.(ledger.EdgeKey)
			if e.hadPrev {
				s.trustlines[k] = e.prev.(ledger.TrustLine)
			} else {
				delete(s.trustlines, k)
			}
		case tblDebts:
			k := e.key.(debtKey)
			if e.hadPrev {
				s.debts[k] = e.prev.(ledger.Debt)
			} else {
				delete(s.debts, k)
			}
		case tblTransactions:
			k := e.key.(string)
			if e.hadPrev {
				s.transactions[k] = e.prev.(ledger.Transaction)
			} else {
				delete(s.transactions, k)
			}
		case tblFired:
			k := e.key.(uint64)
			if e.hadPrev {
				s.fired[k] = e.prev.(bool)
			} else {
				delete(s.fired, k)
			}
		}
	}
	s.log = s.log[:mark]
}

func (s *session) releaseLocks() {
	for _, ch := range s.held {
		<-ch
	}
	s.held = make(map[pairKey]chan struct{})
}

func (s *session) Commit(ctx context.Context) error {
	if s.closed {
		return storage.ErrSessionClosed
	}
	s.st.mu.Lock()
	for k, v := range s.participants {
		s.st.participants[k] = v
	}
	for k, v := range s.equivalents {
		s.st.equivalents[k] = v
	}
	for k, v := range s.trustlines {
		s.st.trustlines[k] = v
	}
	for k, v := range s.debts {
		s.st.debts[k] = v
	}
	for k, v := range s.transactions {
		s.st.transactions[k] = v
	}
	for k, v := range s.fired {
		s.st.fired[k] = v
	}
	s.st.mu.Unlock()

	s.releaseLocks()
	s.closed = true
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.releaseLocks()
	s.closed = true
	return nil
}

// savepoint marks a position in the undo log.
type savepoint struct {
	sess   *session
	mark   int
	closed bool
}

func (s *session) Savepoint(ctx context.Context, name string) (storage.Savepoint, error) {
	if s.closed {
		return nil, storage.ErrSessionClosed
	}
	return &savepoint{sess: s, mark: len(s.log)}, nil
}

func (sp *savepoint) Release(ctx context.Context) error {
	if sp.closed {
		return storage.ErrSavepointClosed
	}
	sp.closed = true
	return nil
}

func (sp *savepoint) Rollback(ctx context.Context) error {
	if sp.closed {
		return storage.ErrSavepointClosed
	}
	sp.sess.undoTo(sp.mark)
	sp.closed = true
	return nil
}

// LockEdges acquires the per-pair locks of the given edges in canonical
// order. A pair already held by this session is skipped; a pair held by
// another session longer than LockTimeout surfaces as Conflict, and any
// locks newly acquired by this call are released again.
func (s *session) LockEdges(ctx context.Context, keys []ledger.EdgeKey) error {
	if s.closed {
		return storage.ErrSessionClosed
	}

	pairs := make([]pairKey, 0, len(keys))
	seen := make(map[pairKey]bool, len(keys))
	for _, k := range ledger.SortEdgeKeys(keys) {
		p := pairOf(k)
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.equivalent != b.equivalent {
			return a.equivalent < b.equivalent
		}
		if a.lo != b.lo {
			return a.lo.Less(b.lo)
		}
		return a.hi.Less(b.hi)
	})

	acquired := make([]pairKey, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := s.held[p]; ok {
			continue
		}
		ch := s.st.lockChan(p)
		timer := time.NewTimer(s.st.LockTimeout)
		select {
		case ch <- struct{}{}:
			timer.Stop()
			s.held[p] = ch
			acquired = append(acquired, p)
		case <-ctx.Done():
			timer.Stop()
			s.releasePairs(acquired)
			return ledger.Wrap(ledger.KindTimeout, "memstore.LockEdges", ctx.Err())
		case <-timer.C:
			s.releasePairs(acquired)
			return ledger.Ef(ledger.KindConflict, "memstore.LockEdges",
				"lock on %s/%s-%s held by another session", p.equivalent, p.lo, p.hi)
		}
	}
	return nil
}

func (s *session) releasePairs(pairs []pairKey) {
	for _, p := range pairs {
		if ch, ok := s.held[p]; ok {
			<-ch
			delete(s.held, p)
		}
	}
}

func (s *session) NextEventSeq(ctx context.Context) (uint64, error) {
	if s.closed {
		return 0, storage.ErrSessionClosed
	}
	return s.st.seq.Add(1), nil
}

func (s *session) Participants() storage.ParticipantRepo { return participantRepo{s} }
func (s *session) Equivalents() storage.EquivalentRepo   { return equivalentRepo{s} }
func (s *session) TrustLines() storage.TrustLineRepo     { return trustLineRepo{s} }
func (s *session) Debts() storage.DebtRepo               { return debtRepo{s} }
func (s *session) Transactions() storage.TransactionRepo { return transactionRepo{s} }
func (s *session) Scenario() storage.ScenarioRepo        { return scenarioRepo{s} }

var _ storage.Session = (*session)(nil)
