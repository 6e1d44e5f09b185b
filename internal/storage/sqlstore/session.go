package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
)

type session struct {
	st     *Store
	tx     *sql.Tx
	closed bool
	spSeq  int
}

func newSession(st *Store, tx *sql.Tx) *session {
	return &session{st: st, tx: tx}
}

func (s *session) Commit(ctx context.Context) error {
	if s.closed {
		return storage.ErrSessionClosed
	}
	s.closed = true
	if err := s.tx.Commit(); err != nil {
		return storage.WrapError(err, "sqlstore.Commit")
	}
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.tx.Rollback(); err != nil {
		return storage.WrapError(err, "sqlstore.Rollback")
	}
	return nil
}

type savepoint struct {
	sess   *session
	name   string
	closed bool
}

func (s *session) Savepoint(ctx context.Context, name string) (storage.Savepoint, error) {
	if s.closed {
		return nil, storage.ErrSessionClosed
	}
	s.spSeq++
	spName := fmt.Sprintf("sp_%s_%d", name, s.spSeq)
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+spName); err != nil {
		return nil, storage.WrapError(err, "sqlstore.Savepoint")
	}
	return &savepoint{sess: s, name: spName}, nil
}

func (sp *savepoint) Release(ctx context.Context) error {
	if sp.closed {
		return storage.ErrSavepointClosed
	}
	sp.closed = true
	if _, err := sp.sess.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp.name); err != nil {
		return storage.WrapError(err, "sqlstore.Savepoint.Release")
	}
	return nil
}

func (sp *savepoint) Rollback(ctx context.Context) error {
	if sp.closed {
		return storage.ErrSavepointClosed
	}
	sp.closed = true
	if _, err := sp.sess.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp.name); err != nil {
		return storage.WrapError(err, "sqlstore.Savepoint.Rollback")
	}
	return nil
}

// LockEdges locks the TrustLine and Debt rows of the given edges in
// canonical order. On postgres this is SELECT ... FOR UPDATE NOWAIT, so
// a row held by the other session surfaces immediately as Conflict. On
// sqlite the write transaction itself is the lock and this degenerates
// to plain reads.
func (s *session) LockEdges(ctx context.Context, keys []ledger.EdgeKey) error {
	if s.closed {
		return storage.ErrSessionClosed
	}

	suffix := ""
	if s.st.cfg.Driver == storage.DriverPostgres {
		suffix = " FOR UPDATE NOWAIT"
	}

	for _, k := range ledger.SortEdgeKeys(keys) {
		q := s.st.rebind(
			`SELECT 1 FROM trustlines WHERE equivalent = ? AND from_pid = ? AND to_pid = ?`) + suffix
		if _, err := s.tx.ExecContext(ctx, q, k.Equivalent, string(k.From), string(k.To)); err != nil {
			if isLockConflict(err) {
				return ledger.Wrap(ledger.KindConflict, "sqlstore.LockEdges", err)
			}
			return storage.WrapError(err, "sqlstore.LockEdges")
		}
		q = s.st.rebind(
			`SELECT 1 FROM debts WHERE equivalent = ? AND debtor = ? AND creditor = ?`) + suffix
		if _, err := s.tx.ExecContext(ctx, q, k.Equivalent, string(k.To), string(k.From)); err != nil {
			if isLockConflict(err) {
				return ledger.Wrap(ledger.KindConflict, "sqlstore.LockEdges", err)
			}
			return storage.WrapError(err, "sqlstore.LockEdges")
		}
	}
	return nil
}

// NextEventSeq bumps the durable event counter and returns its value.
func (s *session) NextEventSeq(ctx context.Context) (uint64, error) {
	if s.closed {
		return 0, storage.ErrSessionClosed
	}
	var v uint64
	q := s.st.rebind(`UPDATE event_seq SET value = value + 1 WHERE id = 1 RETURNING value`)
	if err := s.tx.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return 0, storage.WrapError(err, "sqlstore.NextEventSeq")
	}
	return v, nil
}

func (s *session) Participants() storage.ParticipantRepo { return participantRepo{s} }
func (s *session) Equivalents() storage.EquivalentRepo   { return equivalentRepo{s} }
func (s *session) TrustLines() storage.TrustLineRepo     { return trustLineRepo{s} }
func (s *session) Debts() storage.DebtRepo               { return debtRepo{s} }
func (s *session) Transactions() storage.TransactionRepo { return transactionRepo{s} }
func (s *session) Scenario() storage.ScenarioRepo        { return scenarioRepo{s} }

var _ storage.Session = (*session)(nil)
