package sqlstore

import (
	"context"
	"strings"
)

// Schema statements are portable between postgres and sqlite. Amounts
// are stored as integer atoms; decimal rendering happens at the wire.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		pid          TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		ptype        TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS equivalents (
		code      TEXT PRIMARY KEY,
		precision INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trustlines (
		equivalent  TEXT NOT NULL,
		from_pid    TEXT NOT NULL,
		to_pid      TEXT NOT NULL,
		lim         BIGINT NOT NULL,
		used        BIGINT NOT NULL,
		status      TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		policy      BYTEA,
		PRIMARY KEY (equivalent, from_pid, to_pid),
		CHECK (from_pid <> to_pid),
		CHECK (used >= 0 AND used <= lim)
	)`,
	`CREATE TABLE IF NOT EXISTS debts (
		equivalent TEXT NOT NULL,
		debtor     TEXT NOT NULL,
		creditor   TEXT NOT NULL,
		amount     BIGINT NOT NULL,
		PRIMARY KEY (equivalent, debtor, creditor),
		CHECK (amount >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		tx_id        TEXT PRIMARY KEY,
		tx_type      TEXT NOT NULL,
		initiator    TEXT NOT NULL,
		payload      BYTEA,
		payload_hash TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		error_kind   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scenario_fired (
		idx      BIGINT PRIMARY KEY,
		fired_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_seq (
		id    INTEGER PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trustlines_equivalent ON trustlines (equivalent)`,
	`CREATE INDEX IF NOT EXISTS idx_trustlines_to ON trustlines (to_pid)`,
	`CREATE INDEX IF NOT EXISTS idx_debts_equivalent ON debts (equivalent)`,
}

// sqlite has no BYTEA; rewrite the handful of postgres types per driver.
func (s *Store) driverSQL(stmt string) string {
	if s.cfg.Driver == "sqlite" {
		stmt = strings.ReplaceAll(stmt, "BYTEA", "BLOB")
		stmt = strings.ReplaceAll(stmt, "TIMESTAMP", "TEXT")
	}
	return stmt
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, s.driverSQL(stmt)); err != nil {
			return err
		}
	}
	// Seed the event sequence row if absent.
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO event_seq (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`))
	return err
}
