// Package sqlite implements repository.LedgerRepository on an embedded SQLite
// file.
//
// SQLite allows a single writer per file. Writers from several processes are
// serialized outside this package by a lock.File next to the database; inside
// a process the pool is limited to one connection so a transaction and the
// statements it runs never wait on each other.
//
// modernc.org/sqlite is a pure Go port, so the binary cross-compiles for the
// front-desk terminals without a C toolchain.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/repository"
)

// querier is what both *sql.DB and *sql.Tx offer. Every ledger method runs
// through it, so the same code serves plain calls and WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the embedded ledger. The zero value is not usable; call New.
type DB struct {
	conn *sql.DB // nil when bound to a transaction
	q    querier
}

var _ repository.LedgerRepository = (*DB)(nil)

// New opens (creating if needed) the database at dbPath and runs the
// migrations. ":memory:" gives a private in-memory database.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers in other processes keep going while a sync writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn, q: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

func dsn(dbPath string) string {
	if dbPath == ":memory:" {
		return dbPath
	}
	// busy_timeout covers readers in other processes holding a WAL
	// checkpoint; writers are already serialized by the ledger lock.
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Close closes the pool. It is a no-op on a transaction-bound DB.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Ping checks the file is still reachable.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.PingContext(ctx); err != nil {
		return apperror.Unavailable("sqlite", err)
	}
	return nil
}

// WithTx implements repository.LedgerRepository. Nested calls join the
// outer transaction.
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
			return errors.Join(err, fmt.Errorf("sqlite: rolling back: %w", rerr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("committing transaction", err)
	}
	return nil
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS debtors (
			id         TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL DEFAULT '',
			last_name  TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			phone      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating debtors table: %w", err)
	}

	// export_date is stored as TEXT 'YYYY-MM-DD' so that string order is
	// calendar order and MAX() works.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS delinquency_events (
			debtor_id      TEXT NOT NULL REFERENCES debtors(id),
			export_date    TEXT NOT NULL,
			incident_count INTEGER NOT NULL CHECK (incident_count >= 1),
			PRIMARY KEY (debtor_id, export_date)
		);
		CREATE INDEX IF NOT EXISTS idx_events_export_date ON delinquency_events(export_date);
	`)
	if err != nil {
		return fmt.Errorf("creating delinquency_events table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS actions (
			id         TEXT PRIMARY KEY,
			debtor_id  TEXT NOT NULL REFERENCES debtors(id),
			kind       TEXT NOT NULL,
			template   TEXT NOT NULL DEFAULT '',
			operator   TEXT NOT NULL DEFAULT '',
			notes      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_actions_debtor_kind ON actions(debtor_id, kind);
	`)
	if err != nil {
		return fmt.Errorf("creating actions table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating settings table: %w", err)
	}

	// Added after the first terminals went live; older files lack it.
	if err := db.addColumnIfNotExists("delinquency_events", "updated_at",
		"DATETIME"); err != nil {
		return fmt.Errorf("adding updated_at to delinquency_events: %w", err)
	}

	return nil
}

// addColumnIfNotExists makes ALTER TABLE ADD COLUMN safe to rerun.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}

// wrap prefixes err and turns SQLITE_BUSY into apperror.ErrBusy. The ledger
// lock keeps our own writers apart, so BUSY means a foreign process held the
// file longer than busy_timeout.
func wrap(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_BUSY {
		return fmt.Errorf("sqlite: %s: %w", op, apperror.Busy("sqlite", 1))
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
