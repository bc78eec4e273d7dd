package storage

import (
	"fmt"
	"log/slog"

	"github.com/randalmurphal/scribe/internal/config"
	"github.com/randalmurphal/scribe/internal/db"
	"github.com/randalmurphal/scribe/internal/db/driver"
)

// NewBackend opens the database and blob store named by the configuration.
func NewBackend(cfg *config.Config, logger *slog.Logger) (*DatabaseBackend, error) {
	dialect, err := driver.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	pdb, err := db.OpenProjectWithDialect(cfg.Database.DSN, dialect)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	blobs, err := NewFileBlobStore(cfg.Storage.Root)
	if err != nil {
		_ = pdb.Close()
		return nil, err
	}

	return NewDatabaseBackend(pdb, blobs, logger), nil
}

// NewInMemoryBackend creates a backend over an in-memory database and an
// in-memory blob filesystem.
func NewInMemoryBackend() (*DatabaseBackend, error) {
	pdb, err := db.OpenProjectInMemory()
	if err != nil {
		return nil, err
	}
	blobs, err := NewBlobStoreFs(newMemFs(), "/blobs")
	if err != nil {
		_ = pdb.Close()
		return nil, err
	}
	return NewDatabaseBackend(pdb, blobs, nil), nil
}
