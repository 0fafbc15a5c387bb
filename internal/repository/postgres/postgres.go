// Package postgres implements repository.LedgerRepository on a PostgreSQL
// database shared by every front-desk terminal.
//
// Each statement is atomic and a sync runs in one transaction, so no client
// lock is needed: concurrent upserts of the same client resolve through
// ON CONFLICT and the last committed write wins.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/repository"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the shared ledger.
type DB struct {
	conn *sql.DB // nil when bound to a transaction
	q    querier
}

var _ repository.LedgerRepository = (*DB)(nil)

// New connects with a lib/pq connection string, e.g.
// "postgres://frontdesk:secret@db:5432/frontdesk?sslmode=disable", and
// runs the migrations. An unreachable server yields apperror.ErrUnavailable.
func New(ctx context.Context, connString string) (*DB, error) {
	conn, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, apperror.Unavailable("postgres", err)
	}

	db := &DB{conn: conn, q: conn}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres: running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.PingContext(ctx); err != nil {
		return apperror.Unavailable("postgres", err)
	}
	return nil
}

// WithTx implements repository.LedgerRepository.
func (db *DB) WithTx(ctx context.Context, fn func(tx repository.LedgerRepository) error) error {
	if db.conn == nil {
		return fn(db)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrap("beginning transaction", err)
	}
	if err := fn(&DB{q: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("postgres: rolling back: %w", rerr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("committing transaction", err)
	}
	return nil
}

// migrate creates the schema. Every statement is idempotent so terminals
// starting at the same time do not trip over each other.
func (db *DB) migrate(ctx context.Context) error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"debtors", `
			CREATE TABLE IF NOT EXISTS debtors (
				id         TEXT PRIMARY KEY,
				client_id  TEXT NOT NULL UNIQUE,
				first_name TEXT NOT NULL DEFAULT '',
				last_name  TEXT NOT NULL DEFAULT '',
				email      TEXT NOT NULL DEFAULT '',
				phone      TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`},
		{"delinquency_events", `
			CREATE TABLE IF NOT EXISTS delinquency_events (
				debtor_id      TEXT NOT NULL REFERENCES debtors(id),
				export_date    DATE NOT NULL,
				incident_count INTEGER NOT NULL CHECK (incident_count >= 1),
				updated_at     TIMESTAMPTZ,
				PRIMARY KEY (debtor_id, export_date)
			)`},
		{"idx_events_export_date", `
			CREATE INDEX IF NOT EXISTS idx_events_export_date ON delinquency_events(export_date)`},
		{"actions", `
			CREATE TABLE IF NOT EXISTS actions (
				id         TEXT PRIMARY KEY,
				debtor_id  TEXT NOT NULL REFERENCES debtors(id),
				kind       TEXT NOT NULL,
				template   TEXT NOT NULL DEFAULT '',
				operator   TEXT NOT NULL DEFAULT '',
				notes      TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`},
		{"idx_actions_debtor_kind", `
			CREATE INDEX IF NOT EXISTS idx_actions_debtor_kind ON actions(debtor_id, kind)`},
		{"settings", `
			CREATE TABLE IF NOT EXISTS settings (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
	}
	for _, s := range stmts {
		if _, err := db.conn.ExecContext(ctx, s.sql); err != nil {
			return fmt.Errorf("creating %s: %w", s.name, err)
		}
	}
	return nil
}

// SQLSTATE codes we translate.
const (
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

// wrap prefixes err with op and maps connectivity failures to
// apperror.ErrUnavailable.
func wrap(op string, err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("postgres: %s: %w", op, apperror.Unavailable("postgres", err))
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception. Class 57P: operator intervention
		// (server shutting down).
		return pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57"
	}
	return false
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
