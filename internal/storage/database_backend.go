package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/scribe/internal/db"
)

// DatabaseBackend keeps the project graph in SQLite/PostgreSQL and
// payloads in a BlobStore.
type DatabaseBackend struct {
	db     *db.ProjectDB
	blobs  BlobStore
	logger *slog.Logger
}

// NewDatabaseBackend wraps an open database and blob store.
func NewDatabaseBackend(pdb *db.ProjectDB, blobs BlobStore, logger *slog.Logger) *DatabaseBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatabaseBackend{db: pdb, blobs: blobs, logger: logger}
}

// DB returns the underlying database for direct access.
func (d *DatabaseBackend) DB() *db.ProjectDB {
	return d.db
}

// ReadSnapshot implements Backend.
func (d *DatabaseBackend) ReadSnapshot(ctx context.Context, fn func(r Reader) error) error {
	return d.db.RunInSnapshot(ctx, func(tx *db.TxOps) error {
		return fn(txReader{tx: tx})
	})
}

// WriteTx implements Backend.
func (d *DatabaseBackend) WriteTx(ctx context.Context, fn func(w Writer) error) error {
	return d.db.RunInTx(ctx, func(tx *db.TxOps) error {
		return fn(txWriter{tx: tx})
	})
}

// Blobs implements Backend.
func (d *DatabaseBackend) Blobs() BlobStore {
	return d.blobs
}

// ListProjects implements Backend.
func (d *DatabaseBackend) ListProjects(ctx context.Context) ([]db.ProjectSummary, error) {
	return d.db.ListProjects(ctx)
}

// Counts implements Backend.
func (d *DatabaseBackend) Counts(ctx context.Context) (db.TableCounts, error) {
	return d.db.CountAll(ctx)
}

// Close implements Backend.
func (d *DatabaseBackend) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	d.logger.Debug("storage backend closed")
	return nil
}

type txReader struct {
	tx *db.TxOps
}

func (r txReader) Project(id string) (*db.Project, error) {
	return db.GetProjectTx(r.tx, id)
}

func (r txReader) AudioFiles(projectID string) ([]*db.AudioFile, error) {
	return db.ListAudioFilesTx(r.tx, projectID)
}

func (r txReader) Speakers(projectID string) ([]*db.Speaker, error) {
	return db.ListSpeakersTx(r.tx, projectID)
}

func (r txReader) Segments(projectID string) ([]*db.Segment, error) {
	return db.ListSegmentsTx(r.tx, projectID)
}

func (r txReader) Edits(projectID string) ([]*db.Edit, error) {
	return db.ListEditsTx(r.tx, projectID)
}

type txWriter struct {
	tx *db.TxOps
}

func (w txWriter) CreateProject(p *db.Project) error     { return db.CreateProjectTx(w.tx, p) }
func (w txWriter) CreateAudioFile(a *db.AudioFile) error { return db.CreateAudioFileTx(w.tx, a) }
func (w txWriter) CreateSpeaker(s *db.Speaker) error     { return db.CreateSpeakerTx(w.tx, s) }
func (w txWriter) CreateSegment(s *db.Segment) error     { return db.CreateSegmentTx(w.tx, s) }
func (w txWriter) CreateEdit(e *db.Edit) error           { return db.CreateEditTx(w.tx, e) }
