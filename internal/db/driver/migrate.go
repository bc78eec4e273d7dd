package driver

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

// applyMigrations runs every pending migration found in dir, one transaction each.
// Files are named NNN_description.sql and applied in lexical order.
func applyMigrations(ctx context.Context, db *sqlx.DB, schema fs.FS, dir, createTable string) error {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	var versions []int
	if err := db.SelectContext(ctx, &versions, "SELECT version FROM _migrations"); err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}

	entries, err := fs.ReadDir(schema, dir)
	if err != nil {
		return fmt.Errorf("read schema dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := extractVersion(name)
		if version == 0 {
			return fmt.Errorf("migration %s: file name must start with a version number", name)
		}
		if applied[version] {
			continue
		}

		content, err := fs.ReadFile(schema, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO _migrations (version) VALUES (?)"), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}

// extractVersion extracts the version number from a migration filename.
// e.g., "001_projects.sql" returns 1
func extractVersion(name string) int {
	var v int
	_, _ = fmt.Sscanf(name, "%d", &v)
	return v
}
