// Package storage owns the embedded SQLite database every store is built on.
//
// The engine opens one WAL-mode database file, applies embedded migrations,
// and exposes the three write primitives the stores use: Execute for a
// single statement, Batch for an all-or-nothing statement list, and
// Transaction for multi-statement logic with bounded conflict retry.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hive/internal/errkind"
	"hive/internal/logging"
)

// Options tunes engine behavior. Zero values select defaults.
type Options struct {
	// BusyTimeout bounds how long SQLite itself waits on a locked database
	// before surfacing SQLITE_BUSY. Defaults to 5 s.
	BusyTimeout time.Duration
	// Logger receives migration and retry diagnostics.
	Logger logging.Logger
}

// Engine is a handle to one open database. It is safe for concurrent use.
type Engine struct {
	db     *sql.DB
	path   string
	logger logging.Logger
	retry  errkind.RetryConfig
}

// Stmt pairs a SQL statement with its arguments for Batch.
type Stmt struct {
	SQL  string
	Args []any
}

// Open creates or opens the database at path, applies pragmas, and runs
// pending migrations. The parent directory is created when missing.
func Open(path string, opts Options) (*Engine, error) {
	const op = "storage.open"

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errkind.New(errkind.KindValidation, op, "database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errkind.Wrap(errkind.KindConnection, op, err)
		}
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite", dsn(path, busy))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindConnection, op, err)
	}

	// SQLite allows a single writer. One pooled connection removes
	// in-process writer contention; cross-process contention is handled
	// by busy_timeout plus the transaction retry loop.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.KindConnection, op, err)
	}

	engine := &Engine{
		db:     db,
		path:   path,
		logger: logging.OrNop(opts.Logger),
		retry: errkind.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
	}

	if err := engine.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return engine, nil
}

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_txlock", "immediate")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Close releases the database handle.
func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.path
}

// DB exposes the underlying handle for read queries and migrations.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Execute runs a single statement and reports rows affected and last id.
func (e *Engine) Execute(ctx context.Context, query string, args ...any) (rowsAffected, lastID int64, err error) {
	const op = "storage.execute"

	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, 0, wrapExecErr(op, err)
	}
	rowsAffected, err = res.RowsAffected()
	if err != nil {
		return 0, 0, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	lastID, _ = res.LastInsertId()
	return rowsAffected, lastID, nil
}

// Query runs a read statement. Callers own the returned rows.
func (e *Engine) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapExecErr("storage.query", err)
	}
	return rows, nil
}

// QueryRow runs a read statement expected to return at most one row.
func (e *Engine) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return e.db.QueryRowContext(ctx, query, args...)
}

// Batch applies every statement inside one transaction; the first failure
// rolls back all of them.
func (e *Engine) Batch(ctx context.Context, stmts []Stmt) error {
	if len(stmts) == 0 {
		return nil
	}
	return e.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Transaction runs fn inside an immediate transaction, retrying the whole
// function on busy/locked conflicts up to 3 attempts with exponential
// backoff from 100 ms. Errors from fn that are not lock conflicts surface
// unchanged; retry exhaustion surfaces as TRANSACTION_ERROR.
func (e *Engine) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const op = "storage.transaction"

	return errkind.Retry(ctx, e.retry, op, isLockConflict, func(ctx context.Context) error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			if isLockConflict(err) {
				return err
			}
			return errkind.Wrap(errkind.KindConnection, op, err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			if isLockConflict(err) {
				return err
			}
			return errkind.Wrap(errkind.KindTransaction, op, err)
		}
		return nil
	})
}

// InTx runs fn inside Transaction and carries a typed result out.
func InTx[T any](ctx context.Context, e *Engine, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var out T
	err := e.Transaction(ctx, func(tx *sql.Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func wrapExecErr(op string, err error) error {
	if errkind.KindOf(err) != "" {
		return err
	}
	return errkind.Wrap(errkind.KindTransaction, op, err)
}

// isLockConflict reports whether err is SQLite writer contention worth
// retrying. The driver surfaces these as SQLITE_BUSY / SQLITE_LOCKED text.
func isLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
