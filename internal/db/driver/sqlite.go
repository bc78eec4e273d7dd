package driver

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver
)

// MemoryDSN opens a private in-memory SQLite database.
const MemoryDSN = ":memory:"

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteDriver implements the Driver interface for SQLite.
type SQLiteDriver struct {
	db *sqlx.DB
}

// NewSQLite creates a new SQLite driver.
func NewSQLite() *SQLiteDriver {
	return &SQLiteDriver{}
}

// Open opens a SQLite database at the given path, or a private in-memory
// database when dsn is MemoryDSN.
func (d *SQLiteDriver) Open(dsn string) error {
	// Pragmas go in the DSN so every pooled connection gets them.
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	var full string
	if dsn == MemoryDSN {
		full = "file::memory:?" + pragmas
	} else {
		full = fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dsn, pragmas)
	}

	db, err := sqlx.Open("sqlite", full)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == MemoryDSN {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	d.db = db
	return nil
}

// Close closes the database connection.
func (d *SQLiteDriver) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Migrate runs all pending migrations under sqlite/.
func (d *SQLiteDriver) Migrate(ctx context.Context, schema fs.FS) error {
	return applyMigrations(ctx, d.db, schema, "sqlite", `
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT DEFAULT (datetime('now'))
		)
	`)
}

// Dialect returns the SQLite dialect identifier.
func (d *SQLiteDriver) Dialect() Dialect {
	return DialectSQLite
}

// SnapshotOptions returns default options. A deferred SQLite transaction in
// WAL mode reads from a single snapshot once its first SELECT runs.
func (d *SQLiteDriver) SnapshotOptions() *sql.TxOptions {
	return nil
}

// DB returns the underlying sqlx handle.
func (d *SQLiteDriver) DB() *sqlx.DB {
	return d.db
}
