// Package driver provides database driver abstraction for SQLite and PostgreSQL.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/jmoiron/sqlx"
)

// Dialect represents the database dialect.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Driver abstracts connection setup and dialect differences for SQLite and PostgreSQL.
// Statement execution goes through the sqlx handle returned by DB, which rebinds
// ? placeholders for the dialect.
type Driver interface {
	// Connection
	Open(dsn string) error
	Close() error

	// Migrations reads {dialect}/NNN_name.sql files from schema and applies
	// the ones not yet recorded in _migrations.
	Migrate(ctx context.Context, schema fs.FS) error

	// Dialect-specific
	Dialect() Dialect

	// SnapshotOptions returns the transaction options that give a
	// read-consistent view of the whole database for the life of the tx.
	SnapshotOptions() *sql.TxOptions

	// Raw access
	DB() *sqlx.DB
}

// New creates a driver for the dialect.
func New(dialect Dialect) (Driver, error) {
	switch dialect {
	case DialectSQLite:
		return NewSQLite(), nil
	case DialectPostgres:
		return NewPostgres(), nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
}

// ParseDialect parses a dialect string.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unknown dialect: %s", s)
	}
}
