// Package db provides database persistence for scribe.
//
// One relational database holds every project graph:
// projects → audio_files (parent-chunk tree) → {speakers, segments} → edits.
// SQLite is the default; PostgreSQL is selected by dialect.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	"github.com/randalmurphal/scribe/internal/db/driver"
)

//go:embed schema
var schemaFS embed.FS

// DB wraps a database connection with driver abstraction.
type DB struct {
	driver driver.Driver
	dsn    string
}

// Open opens a SQLite database at the given path.
// Creates the parent directory if it doesn't exist.
func Open(path string) (*DB, error) {
	return OpenWithDialect(path, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite database.
// Each call creates a new isolated database.
func OpenInMemory() (*DB, error) {
	drv := driver.NewSQLite()
	if err := drv.Open(driver.MemoryDSN); err != nil {
		return nil, err
	}
	return &DB{driver: drv, dsn: driver.MemoryDSN}, nil
}

// OpenWithDialect opens a database with a specific dialect.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*DB, error) {
	if dialect == driver.DialectSQLite && dsn != driver.MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}

	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	return &DB{driver: drv, dsn: dsn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// DSN returns the database DSN/path.
func (d *DB) DSN() string {
	return d.dsn
}

// X returns the underlying sqlx handle.
func (d *DB) X() *sqlx.DB {
	return d.driver.DB()
}

// Dialect returns the database dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.driver.Dialect()
}

// Migrate applies the embedded schema for the current dialect.
func (d *DB) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(schemaFS, "schema")
	if err != nil {
		return fmt.Errorf("open embedded schema: %w", err)
	}
	return d.driver.Migrate(ctx, sub)
}

// TxOps provides database operations within a transaction.
// The context is stored and used for all operations, so cancellation and
// timeouts propagate through the entire transaction. Queries are written
// with ? placeholders and rebound for the dialect.
type TxOps struct {
	tx      *sqlx.Tx
	dialect driver.Dialect
	ctx     context.Context
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, t.tx.Rebind(query), args...)
}

// Select scans all rows of a query into dest, a pointer to a slice.
func (t *TxOps) Select(dest any, query string, args ...any) error {
	return t.tx.SelectContext(t.ctx, dest, t.tx.Rebind(query), args...)
}

// Get scans a single row into dest. Returns sql.ErrNoRows when nothing matches.
func (t *TxOps) Get(dest any, query string, args ...any) error {
	return t.tx.GetContext(t.ctx, dest, t.tx.Rebind(query), args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// Dialect returns the database dialect.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

// RunInTx executes fn within a read-write transaction.
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (d *DB) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	return d.runTx(ctx, nil, fn)
}

// RunInSnapshot executes fn within a transaction that sees one consistent
// snapshot of the database. The transaction is always rolled back; fn must
// only read.
func (d *DB) RunInSnapshot(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := d.X().BeginTxx(ctx, d.driver.SnapshotOptions())
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(&TxOps{tx: tx, dialect: d.Dialect(), ctx: ctx})
}

func (d *DB) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *TxOps) error) error {
	tx, err := d.X().BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txOps := &TxOps{
		tx:      tx,
		dialect: d.Dialect(),
		ctx:     ctx,
	}

	if err := fn(txOps); err != nil {
		// A cancelled context has already rolled the transaction back.
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("commit skipped: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
