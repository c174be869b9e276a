// Package store is the SQL persistence layer. Query helpers take an
// sqlx.ExtContext so the same function runs on the pool or inside a
// transaction; helpers that must observe their own writes take *sqlx.Tx.
package store

import (
	"context"
	"database/sql"
	"strings"

	mysqlerr "github.com/go-sql-driver/mysql"
	"github.com/google/logger"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"raffle/internal/config"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert hits a unique key.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrNoCapacity is returned when a conditional reservation matched no row.
	ErrNoCapacity = errors.New("store: reservation rejected")
)

// Store owns the connection pool.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the configured database. A SQLite pool gets more than one
// connection only when its DSN begins transactions with BEGIN IMMEDIATE
// (_txlock=immediate), so every transaction holds the write lock from its
// first statement; otherwise it is pinned to a single connection.
func Open(cfg config.DBConfig) (*Store, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	if cfg.Driver == "sqlite" {
		conns := 1
		if cfg.MaxOpenConns > 1 && strings.Contains(cfg.DSN, "_txlock=immediate") {
			conns = cfg.MaxOpenConns
		}
		db.SetMaxOpenConns(conns)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}
	return New(db, cfg.Driver), nil
}

// New wraps an existing handle.
func New(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// DB returns the pool.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if s.driver == "mysql" {
		stmts = mysqlSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate: %s", firstLine(stmt))
		}
	}
	logger.Infof("[Store] schema ready: driver=%s tables=%d", s.driver, len(stmts))
	return nil
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// IsDuplicateKey reports a unique-key violation for either driver.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	var me *mysqlerr.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

// IsRetryable reports transient contention errors worth retrying the whole
// transaction for: MySQL deadlock (1213) and lock wait timeout (1205), SQLite
// busy/locked.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var me *mysqlerr.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1213 || me.Number == 1205
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "Deadlock found")
}

// lockClause returns the row-lock suffix for a locking read through exec:
// " FOR UPDATE" inside a MySQL transaction, empty otherwise. SQLite has no row
// locks; its transactions serialize on the database write lock.
func lockClause(exec sqlx.ExtContext) string {
	if tx, ok := exec.(*sqlx.Tx); ok && tx.DriverName() == "mysql" {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return errors.WithStack(err)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	return n, errors.WithStack(err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
