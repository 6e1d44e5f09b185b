package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

type participantRepo struct{ s *session }

func (r participantRepo) Get(ctx context.Context, pid types.PID) (*ledger.Participant, error) {
	if p, ok := r.s.participants[pid]; ok {
		cp := p
		return &cp, nil
	}
	r.s.st.mu.RLock()
	defer r.s.st.mu.RUnlock()
	if p, ok := r.s.st.participants[pid]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (r participantRepo) Put(ctx context.Context, p *ledger.Participant) error {
	prev, had := r.s.participants[p.PID]
	r.s.record(tblParticipants, p.PID, had, prev)
	r.s.participants[p.PID] = *p
	return nil
}

func (r participantRepo) SetStatus(ctx context.Context, pid types.PID, status ledger.ParticipantStatus) error {
	p, err := r.Get(ctx, pid)
	if err != nil {
		return err
	}
	if p == nil {
		return storage.ErrNotFound
	}
	p.Status = status
	return r.Put(ctx, p)
}

func (r participantRepo) List(ctx context.Context) ([]ledger.Participant, error) {
	merged := make(map[types.PID]ledger.Participant)
	r.s.st.mu.RLock()
	for k, v := range r.s.st.participants {
		merged[k] = v
	}
	r.s.st.mu.RUnlock()
	for k, v := range r.s.participants {
		merged[k] = v
	}
	out := make([]ledger.Participant, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID.Less(out[j].PID) })
	return out, nil
}

type equivalentRepo struct{ s *session }

func (r equivalentRepo) Get(ctx context.Context, code string) (*types.Equivalent, error) {
	if e, ok := r.s.equivalents[code]; ok {
		cp := e
		return &cp, nil
	}
	r.s.st.mu.RLock()
	defer r.s.st.mu.RUnlock()
	if e, ok := r.s.st.equivalents[code]; ok {
		cp := e
		return &cp, nil
	}
	return nil, nil
}

func (r equivalentRepo) Put(ctx context.Context, e types.Equivalent) error {
	prev, had := r.s.equivalents[e.Code]
	r.s.record(tblEquivalents, e.Code, had, prev)
	r.s.equivalents[e.Code] = e
	return nil
}

func (r equivalentRepo) List(ctx context.Context) ([]types.Equivalent, error) {
	merged := make(map[string]types.Equivalent)
	r.s.st.mu.RLock()
	for k, v := range r.s.st.equivalents {
		merged[k] = v
	}
	r.s.st.mu.RUnlock()
	for k, v := range r.s.equivalents {
		merged[k] = v
	}
	out := make([]types.Equivalent, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

type trustLineRepo struct{ s *session }

func (r trustLineRepo) Get(ctx context.Context, from, to types.PID, equivalent string) (*ledger.TrustLine, error) {
	key := ledger.EdgeKey{Equivalent: equivalent, From: from, To: to}
	if tl, ok := r.s.trustlines[key]; ok {
		cp := tl
		return &cp, nil
	}
	r.s.st.mu.RLock()
	defer r.s.st.mu.RUnlock()
	if tl, ok := r.s.st.trustlines[key]; ok {
		cp := tl
		return &cp, nil
	}
	return nil, nil
}

func (r trustLineRepo) Put(ctx context.Context, t *ledger.TrustLine) error {
	key := t.Key()
	prev, had := r.s.trustlines[key]
	r.s.record(tblTrustLines, key, had, prev)
	r.s.trustlines[key] = *t
	return nil
}

func (r trustLineRepo) SetStatus(ctx context.Context, from, to types.PID, equivalent string, status ledger.TrustLineStatus) error {
	tl, err := r.Get(ctx, from, to, equivalent)
	if err != nil {
		return err
	}
	if tl == nil {
		return storage.ErrNotFound
	}
	tl.Status = status
	return r.Put(ctx, tl)
}

func (r trustLineRepo) merged() map[ledger.EdgeKey]ledger.TrustLine {
	merged := make(map[ledger.EdgeKey]ledger.TrustLine)
	r.s.st.mu.RLock()
	for k, v := range r.s.st.trustlines {
		merged[k] = v
	}
	r.s.st.mu.RUnlock()
	for k, v := range r.s.trustlines {
		merged[k] = v
	}
	return merged
}

func sortedTrustLines(m map[ledger.EdgeKey]ledger.TrustLine, keep func(ledger.TrustLine) bool) []ledger.TrustLine {
	out := make([]ledger.TrustLine, 0, len(m))
	for _, v := range m {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return ledger.LexicalEdgeLess(out[i].Key(), out[j].Key())
	})
	return out
}

func (r trustLineRepo) ListByEquivalent(ctx context.Context, equivalent string) ([]ledger.TrustLine, error) {
	return sortedTrustLines(r.merged(), func(t ledger.TrustLine) bool {
		return t.Equivalent == equivalent
	}), nil
}

func (r trustLineRepo) ListByParticipant(ctx context.Context, pid types.PID) ([]ledger.TrustLine, error) {
	return sortedTrustLines(r.merged(), func(t ledger.TrustLine) bool {
		return t.From == pid || t.To == pid
	}), nil
}

func (r trustLineRepo) ListAll(ctx context.Context) ([]ledger.TrustLine, error) {
	return sortedTrustLines(r.merged(), nil), nil
}

type debtRepo struct{ s *session }

func (r debtRepo) Get(ctx context.Context, debtor, creditor types.PID, equivalent string) (*ledger.Debt, error) {
	key := debtKey{debtor: debtor, creditor: creditor, equivalent: equivalent}
	if d, ok := r.s.debts[key]; ok {
		cp := d
		return &cp, nil
	}
	r.s.st.mu.RLock()
	defer r.s.st.mu.RUnlock()
	if d, ok := r.s.st.debts[key]; ok {
		cp := d
		return &cp, nil
	}
	return nil, nil
}

func (r debtRepo) Put(ctx context.Context, d *ledger.Debt) error {
	key := debtKey{debtor: d.Debtor, creditor: d.Creditor, equivalent: d.Equivalent}
	prev, had := r.s.debts[key]
	r.s.record(tblDebts, key, had, prev)
	r.s.debts[key] = *d
	return nil
}

func (r debtRepo) ListByEquivalent(ctx context.Context, equivalent string) ([]ledger.Debt, error) {
	merged := make(map[debtKey]ledger.Debt)
	r.s.st.mu.RLock()
	for k, v := range r.s.st.debts {
		merged[k] = v
	}
	r.s.st.mu.RUnlock()
	for k, v := range r.s.debts {
		merged[k] = v
	}
	out := make([]ledger.Debt, 0, len(merged))
	for _, v := range merged {
		if v.Equivalent == equivalent && v.Amount > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Debtor != b.Debtor {
			return a.Debtor.Less(b.Debtor)
		}
		return a.Creditor.Less(b.Creditor)
	})
	return out, nil
}

type transactionRepo struct{ s *session }

func (r transactionRepo) Get(ctx context.Context, txID string) (*ledger.Transaction, error) {
	if t, ok := r.s.transactions[txID]; ok {
		cp := t
		return &cp, nil
	}
	r.s.st.mu.RLock()
	defer r.s.st.mu.RUnlock()
	if t, ok := r.s.st.transactions[txID]; ok {
		cp := t
		return &cp, nil
	}
	return nil, nil
}

func (r transactionRepo) Put(ctx context.Context, t *ledger.Transaction) error {
	prev, had := r.s.transactions[t.TxID]
	r.s.record(tblTransactions, t.TxID, had, prev)
	r.s.transactions[t.TxID] = *t
	return nil
}

func (r transactionRepo) UpdateState(ctx context.Context, txID string, state ledger.TxState, errKind ledger.Kind) error {
	t, err := r.Get(ctx, txID)
	if err != nil {
		return err
	}
	if t == nil {
		return storage.ErrNotFound
	}
	if !ledger.CanTransition(t.State, state) {
		return storage.ErrInvalidTransition
	}
	t.State = state
	t.ErrorKind = errKind
	t.UpdatedAt = time.Now().UTC()
	return r.Put(ctx, t)
}

type scenarioRepo struct{ s *session }

func (r scenarioRepo) IsFired(ctx context.Context, index uint64) (bool, error) {
	if v, ok := r.s.fired[index]; ok {
		return v, nil
	}
	r.s.st.mu.RLock()
	defer r.s.st.mu.RUnlock()
	return r.s.st.fired[index], nil
}

func (r scenarioRepo) MarkFired(ctx context.Context, index uint64) error {
	prev, had := r.s.fired[index]
	r.s.record(tblFired, index, had, prev)
	r.s.fired[index] = true
	return nil
}
