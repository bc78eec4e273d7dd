// Package db provides test utilities for database operations.
//
// Tests that need a database should use these helpers so they get an
// in-memory SQLite database with the schema applied and cleanup via t.Cleanup.
package db

import (
	"testing"
)

// NewTestProjectDB creates a migrated in-memory database for testing.
// The database is automatically closed when the test completes.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    pdb := db.NewTestProjectDB(t)
//	    // use pdb...
//	}
func NewTestProjectDB(t testing.TB) *ProjectDB {
	t.Helper()

	pdb, err := OpenProjectInMemory()
	if err != nil {
		t.Fatalf("create test project db: %v", err)
	}

	t.Cleanup(func() {
		_ = pdb.Close()
	})

	return pdb
}
