package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// SnapshotTrustLines reads one equivalent's lines outside any session.
func (s *Store) SnapshotTrustLines(ctx context.Context, equivalent string) ([]ledger.TrustLine, error) {
	if s.db == nil {
		return nil, storage.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT equivalent, from_pid, to_pid, lim, used, status, created_at, policy
		   FROM trustlines WHERE equivalent = ? ORDER BY from_pid, to_pid`), equivalent)
	if err != nil {
		return nil, storage.WrapError(err, "sqlstore.SnapshotTrustLines")
	}
	defer rows.Close()
	return scanTrustLines(rows)
}

// SnapshotDebts reads one equivalent's nonzero debts outside any session.
func (s *Store) SnapshotDebts(ctx context.Context, equivalent string) ([]ledger.Debt, error) {
	if s.db == nil {
		return nil, storage.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT equivalent, debtor, creditor, amount
		   FROM debts WHERE equivalent = ? AND amount > 0 ORDER BY debtor, creditor`), equivalent)
	if err != nil {
		return nil, storage.WrapError(err, "sqlstore.SnapshotDebts")
	}
	defer rows.Close()

	var out []ledger.Debt
	for rows.Next() {
		var d ledger.Debt
		var debtor, creditor string
		if err := rows.Scan(&d.Equivalent, &debtor, &creditor, &d.Amount); err != nil {
			return nil, err
		}
		d.Debtor, d.Creditor = types.PID(debtor), types.PID(creditor)
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanTrustLines(rows *sql.Rows) ([]ledger.TrustLine, error) {
	var out []ledger.TrustLine
	for rows.Next() {
		var t ledger.TrustLine
		var from, to, status string
		var created time.Time
		var policy []byte
		if err := rows.Scan(&t.Equivalent, &from, &to, &t.Limit, &t.Used, &status, &created, &policy); err != nil {
			return nil, err
		}
		t.From, t.To = types.PID(from), types.PID(to)
		t.Status = ledger.TrustLineStatus(status)
		t.CreatedAt = created
		t.Policy = policy
		out = append(out, t)
	}
	return out, rows.Err()
}

type participantRepo struct{ s *session }

func (r participantRepo) Get(ctx context.Context, pid types.PID) (*ledger.Participant, error) {
	var p ledger.Participant
	var id, ptype, status string
	err := r.s.tx.QueryRowContext(ctx, r.s.st.rebind(
		`SELECT pid, display_name, ptype, status, created_at FROM participants WHERE pid = ?`),
		string(pid)).Scan(&id, &p.DisplayName, &ptype, &status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.WrapError(err, "participants.Get")
	}
	p.PID = types.PID(id)
	p.Type = ledger.ParticipantType(ptype)
	p.Status = ledger.ParticipantStatus(status)
	return &p, nil
}

func (r participantRepo) Put(ctx context.Context, p *ledger.Participant) error {
	_, err := r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`INSERT INTO participants (pid, display_name, ptype, status, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (pid) DO UPDATE SET display_name = excluded.display_name,
		   ptype = excluded.ptype, status = excluded.status`),
		string(p.PID), p.DisplayName, string(p.Type), string(p.Status), p.CreatedAt)
	return storage.WrapError(err, "participants.Put")
}

func (r participantRepo) SetStatus(ctx context.Context, pid types.PID, status ledger.ParticipantStatus) error {
	res, err := r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`UPDATE participants SET status = ? WHERE pid = ?`), string(status), string(pid))
	if err != nil {
		return storage.WrapError(err, "participants.SetStatus")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r participantRepo) List(ctx context.Context) ([]ledger.Participant, error) {
	rows, err := r.s.tx.QueryContext(ctx, r.s.st.rebind(
		`SELECT pid, display_name, ptype, status, created_at FROM participants ORDER BY pid`))
	if err != nil {
		return nil, storage.WrapError(err, "participants.List")
	}
	defer rows.Close()

	var out []ledger.Participant
	for rows.Next() {
		var p ledger.Participant
		var id, ptype, status string
		if err := rows.Scan(&id, &p.DisplayName, &ptype, &status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.PID = types.PID(id)
		p.Type = ledger.ParticipantType(ptype)
		p.Status = ledger.ParticipantStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

type equivalentRepo struct{ s *session }

func (r equivalentRepo) Get(ctx context.Context, code string) (*types.Equivalent, error) {
	var e types.Equivalent
	err := r.s.tx.QueryRowContext(ctx, r.s.st.rebind(
		`SELECT code, precision FROM equivalents WHERE code = ?`), code).Scan(&e.Code, &e.Precision)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.WrapError(err, "equivalents.Get")
	}
	return &e, nil
}

func (r equivalentRepo) Put(ctx context.Context, e types.Equivalent) error {
	_, err := r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`INSERT INTO equivalents (code, precision) VALUES (?, ?)
		 ON CONFLICT (code) DO UPDATE SET precision = excluded.precision`),
		e.Code, e.Precision)
	return storage.WrapError(err, "equivalents.Put")
}

func (r equivalentRepo) List(ctx context.Context) ([]types.Equivalent, error) {
	rows, err := r.s.tx.QueryContext(ctx, `SELECT code, precision FROM equivalents ORDER BY code`)
	if err != nil {
		return nil, storage.WrapError(err, "equivalents.List")
	}
	defer rows.Close()

	var out []types.Equivalent
	for rows.Next() {
		var e types.Equivalent
		if err := rows.Scan(&e.Code, &e.Precision); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type trustLineRepo struct{ s *session }

const trustLineCols = `equivalent, from_pid, to_pid, lim, used, status, created_at, policy`

func (r trustLineRepo) Get(ctx context.Context, from, to types.PID, equivalent string) (*ledger.TrustLine, error) {
	rows, err := r.s.tx.QueryContext(ctx, r.s.st.rebind(
		`SELECT `+trustLineCols+` FROM trustlines
		  WHERE equivalent = ? AND from_pid = ? AND to_pid = ?`),
		equivalent, string(from), string(to))
	if err != nil {
		return nil, storage.WrapError(err, "trustlines.Get")
	}
	defer rows.Close()

	lines, err := scanTrustLines(rows)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return &lines[0], nil
}

func (r trustLineRepo) Put(ctx context.Context, t *ledger.TrustLine) error {
	_, err := r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`INSERT INTO trustlines (`+trustLineCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (equivalent, from_pid, to_pid) DO UPDATE SET
		   lim = excluded.lim, used = excluded.used, status = excluded.status,
		   policy = excluded.policy`),
		t.Equivalent, string(t.From), string(t.To), int64(t.Limit), int64(t.Used),
		string(t.Status), t.CreatedAt, t.Policy)
	return storage.WrapError(err, "trustlines.Put")
}

func (r trustLineRepo) SetStatus(ctx context.Context, from, to types.PID, equivalent string, status ledger.TrustLineStatus) error {
	res, err := r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`UPDATE trustlines SET status = ? WHERE equivalent = ? AND from_pid = ? AND to_pid = ?`),
		string(status), equivalent, string(from), string(to))
	if err != nil {
		return storage.WrapError(err, "trustlines.SetStatus")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r trustLineRepo) ListByEquivalent(ctx context.Context, equivalent string) ([]ledger.TrustLine, error) {
	rows, err := r.s.tx.QueryContext(ctx, r.s.st.rebind(
		`SELECT `+trustLineCols+` FROM trustlines WHERE equivalent = ? ORDER BY from_pid, to_pid`),
		equivalent)
	if err != nil {
		return nil, storage.WrapError(err, "trustlines.ListByEquivalent")
	}
	defer rows.Close()
	return scanTrustLines(rows)
}

func (r trustLineRepo) ListByParticipant(ctx context.Context, pid types.PID) ([]ledger.TrustLine, error) {
	rows, err := r.s.tx.QueryContext(ctx, r.s.st.rebind(
		`SELECT `+trustLineCols+` FROM trustlines WHERE from_pid = ? OR to_pid = ?
		  ORDER BY equivalent, from_pid, to_pid`),
		string(pid), string(pid))
	if err != nil {
		return nil, storage.WrapError(err, "trustlines.ListByParticipant")
	}
	defer rows.Close()
	return scanTrustLines(rows)
}

func (r trustLineRepo) ListAll(ctx context.Context) ([]ledger.TrustLine, error) {
	rows, err := r.s.tx.QueryContext(ctx,
		`SELECT `+trustLineCols+` FROM trustlines ORDER BY equivalent, from_pid, to_pid`)
	if err != nil {
		return nil, storage.WrapError(err, "trustlines.ListAll")
	}
	defer rows.Close()
	return scanTrustLines(rows)
}

type debtRepo struct{ s *session }

func (r debtRepo) Get(ctx context.Context, debtor, creditor types.PID, equivalent string) (*ledger.Debt, error) {
	var d ledger.Debt
	var dp, cp string
	err := r.s.tx.QueryRowContext(ctx, r.s.st.rebind(
		`SELECT equivalent, debtor, creditor, amount FROM debts
		  WHERE equivalent = ? AND debtor = ? AND creditor = ?`),
		equivalent, string(debtor), string(creditor)).Scan(&d.Equivalent, &dp, &cp, &d.Amount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.WrapError(err, "debts.Get")
	}
	d.Debtor, d.Creditor = types.PID(dp), types.PID(cp)
	return &d, nil
}

func (r debtRepo) Put(ctx context.Context, d *ledger.Debt) error {
	_, err := r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`INSERT INTO debts (equivalent, debtor, creditor, amount) VALUES (?, ?, ?, ?)
		 ON CONFLICT (equivalent, debtor, creditor) DO UPDATE SET amount = excluded.amount`),
		d.Equivalent, string(d.Debtor), string(d.Creditor), int64(d.Amount))
	return storage.WrapError(err, "debts.Put")
}

func (r debtRepo) ListByEquivalent(ctx context.Context, equivalent string) ([]ledger.Debt, error) {
	rows, err := r.s.tx.QueryContext(ctx, r.s.st.rebind(
		`SELECT equivalent, debtor, creditor, amount FROM debts
		  WHERE equivalent = ? AND amount > 0 ORDER BY debtor, creditor`), equivalent)
	if err != nil {
		return nil, storage.WrapError(err, "debts.ListByEquivalent")
	}
	defer rows.Close()

	var out []ledger.Debt
	for rows.Next() {
		var d ledger.Debt
		var dp, cp string
		if err := rows.Scan(&d.Equivalent, &dp, &cp, &d.Amount); err != nil {
			return nil, err
		}
		d.Debtor, d.Creditor = types.PID(dp), types.PID(cp)
		out = append(out, d)
	}
	return out, rows.Err()
}

type transactionRepo struct{ s *session }

func (r transactionRepo) Get(ctx context.Context, txID string) (*ledger.Transaction, error) {
	var t ledger.Transaction
	var ttype, initiator, state, kind string
	err := r.s.tx.QueryRowContext(ctx, r.s.st.rebind(
		`SELECT tx_id, tx_type, initiator, payload, payload_hash, state, error_kind,
		        created_at, updated_at
		   FROM transactions WHERE tx_id = ?`), txID).Scan(
		&t.TxID, &ttype, &initiator, &t.Payload, &t.PayloadHash, &state, &kind,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.WrapError(err, "transactions.Get")
	}
	t.Type = ledger.TxType(ttype)
	t.Initiator = types.PID(initiator)
	t.State = ledger.TxState(state)
	t.ErrorKind = ledger.Kind(kind)
	return &t, nil
}

func (r transactionRepo) Put(ctx context.Context, t *ledger.Transaction) error {
	_, err := r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`INSERT INTO transactions (tx_id, tx_type, initiator, payload, payload_hash,
		                           state, error_kind, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tx_id) DO UPDATE SET state = excluded.state,
		   error_kind = excluded.error_kind, updated_at = excluded.updated_at`),
		t.TxID, string(t.Type), string(t.Initiator), t.Payload, t.PayloadHash,
		string(t.State), string(t.ErrorKind), t.CreatedAt, t.UpdatedAt)
	return storage.WrapError(err, "transactions.Put")
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
	_, err = r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`UPDATE transactions SET state = ?, error_kind = ?, updated_at = ? WHERE tx_id = ?`),
		string(state), string(errKind), time.Now().UTC(), txID)
	return storage.WrapError(err, "transactions.UpdateState")
}

type scenarioRepo struct{ s *session }

func (r scenarioRepo) IsFired(ctx context.Context, index uint64) (bool, error) {
	var one int
	err := r.s.tx.QueryRowContext(ctx, r.s.st.rebind(
		`SELECT 1 FROM scenario_fired WHERE idx = ?`), int64(index)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storage.WrapError(err, "scenario.IsFired")
	}
	return true, nil
}

func (r scenarioRepo) MarkFired(ctx context.Context, index uint64) error {
	_, err := r.s.tx.ExecContext(ctx, r.s.st.rebind(
		`INSERT INTO scenario_fired (idx, fired_at) VALUES (?, ?) ON CONFLICT (idx) DO NOTHING`),
		int64(index), time.Now().UTC())
	return storage.WrapError(err, "scenario.MarkFired")
}
