// Package store is the persistence layer for the entitlement core: typed
// accessors over the Tenant/Product/Price/Subscription/Purchase/ManualGrant/
// Entitlement/RawEvent/AdminAuditLog tables, transactional boundaries, and
// the uniqueness/locking behavior the entitlement state machine depends on.
//
// It talks to database/sql directly rather than through an ORM: every query
// is hand-written and every row is scanned into a plain struct. Two drivers
// are supported — "postgres" via github.com/lib/pq for production and
// "sqlite3" via github.com/mattn/go-sqlite3 for tests — selected by the DSN
// prefix passed to Open.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/entroline/entroline/internal/resultkind"
)

// Store wraps a *sql.DB and knows how to rebind "?"-style queries for the
// underlying driver.
type Store struct {
	db     *sql.DB
	driver string
}

// Open parses dsn's scheme ("postgres://..." or "sqlite://...") and opens
// the corresponding driver. The scheme is stripped before the connection is
// established, matching volaticloud's parseDatabase convention.
func Open(dsn string) (*Store, error) {
	var driver, source string
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		driver, source = "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		driver, source = "sqlite3", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return nil, fmt.Errorf("store: unrecognized DSN scheme in %q (want postgres:// or sqlite://)", dsn)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, resultkind.Wrapf(resultkind.Transient, err, "store: open %s", driver)
	}
	return &Store{db: db, driver: driver}, nil
}

// OpenWith wraps an already-open *sql.DB, used by tests that want to control
// the sqlite connection (e.g. a shared in-memory DB via a DSN query string).
func OpenWith(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// DB exposes the underlying pool for health checks (e.g. Ping in /ready).
func (s *Store) DB() *sql.DB { return s.db }

// UsesAdvisoryLocks reports whether the underlying driver supports
// pg_advisory_xact_lock (postgres only; sqlite3's tests rely on their own
// single-writer semantics instead).
func (s *Store) UsesAdvisoryLocks() bool { return s.driver == "postgres" }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites "?" placeholders to "$1", "$2", ... for postgres; sqlite3
// accepts "?" as-is.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
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

// querier is satisfied by both *sql.DB and *sql.Tx, letting repository
// methods run either standalone or inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// q resolves to tx when non-nil, or to the shared pool otherwise, letting
// read methods run consistently inside an open transaction (so they see
// that transaction's uncommitted writes) or standalone.
func (s *Store) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Grounded on volaticloud's internal/db.WithTx,
// adapted from *ent.Tx to *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: begin transaction")
	}

	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: commit transaction")
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint violation
// under either supported driver, used by the RawEvent/Subscription/Purchase
// dedup-insert fast paths.
func isUniqueViolation(driver string, err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	switch driver {
	case "postgres":
		return strings.Contains(msg, "duplicate key value violates unique constraint")
	case "sqlite3":
		return strings.Contains(msg, "UNIQUE constraint failed")
	default:
		return false
	}
}
