// Package sqlstore implements storage.Store on database/sql. Two drivers
// are supported: postgres (lib/pq) with real row locks via
// SELECT ... FOR UPDATE NOWAIT, and sqlite (modernc.org/sqlite) where the
// single-writer transaction model stands in for row locking. Savepoints
// map to SQL SAVEPOINTs, the event sequence to a single-row counter table
// updated with RETURNING.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/openclearing/hubd/internal/storage"
)

// Store is the SQL-backed store.
type Store struct {
	cfg    storage.Config
	db     *sql.DB
	logger storage.Logger
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l storage.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a SQL store from configuration.
func New(cfg storage.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, storage.WrapError(err, "sqlstore.New")
	}
	if cfg.Driver != storage.DriverPostgres && cfg.Driver != storage.DriverSQLite {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}
	s := &Store{cfg: cfg, logger: noopLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open connects and applies the schema.
func (s *Store) Open(ctx context.Context) error {
	db, err := sql.Open(s.cfg.Driver, s.cfg.DSN)
	if err != nil {
		return storage.WrapError(err, "sqlstore.Open")
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return storage.WrapError(err, "sqlstore.Open.ping")
	}

	s.db = db
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		s.db = nil
		return storage.WrapError(err, "sqlstore.Open.schema")
	}

	s.logger.Info("sql store opened", "driver", s.cfg.Driver)
	return nil
}

// Close closes the connection pool.
func (s *Store) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return storage.WrapError(err, "sqlstore.Close")
	}
	return nil
}

// Ping tests the connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Begin opens a read-write session (one database transaction).
func (s *Store) Begin(ctx context.Context) (storage.Session, error) {
	if s.db == nil {
		return nil, storage.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, storage.WrapError(err, "sqlstore.Begin")
	}
	return newSession(s, tx), nil
}

// rebind converts ?-placeholders to the driver's syntax.
func (s *Store) rebind(query string) string {
	if s.cfg.Driver != storage.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isLockConflict reports whether a driver error means a row lock was
// held by another session.
func isLockConflict(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		// 55P03 lock_not_available, 40P01 deadlock_detected
		return pqErr.Code == "55P03" || pqErr.Code == "40P01"
	}
	// modernc sqlite surfaces SQLITE_BUSY as a plain error string.
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

var _ storage.Store = (*Store)(nil)
