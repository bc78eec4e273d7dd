// Package storage provides the repository used by export and import.
//
// A Backend pairs a relational store for the project graph with a BlobStore
// for audio payloads. Reads happen inside one consistent snapshot; writes
// happen inside one transaction. Blob writes are not transactional, so
// callers that put blobs during a write transaction must delete them again
// if the transaction fails.
package storage

import (
	"context"
	"io"

	"github.com/randalmurphal/scribe/internal/db"
)

// Reader reads one project graph from a consistent snapshot.
type Reader interface {
	Project(id string) (*db.Project, error)
	AudioFiles(projectID string) ([]*db.AudioFile, error)
	Speakers(projectID string) ([]*db.Speaker, error)
	Segments(projectID string) ([]*db.Segment, error)
	Edits(projectID string) ([]*db.Edit, error)
}

// Writer creates rows inside one transaction. Every Create call assigns a
// fresh live ID to the passed row.
type Writer interface {
	CreateProject(p *db.Project) error
	CreateAudioFile(a *db.AudioFile) error
	CreateSpeaker(s *db.Speaker) error
	CreateSegment(s *db.Segment) error
	CreateEdit(e *db.Edit) error
}

// BlobStore holds binary payloads keyed by an opaque storage reference.
// All implementations must be safe for concurrent access.
type BlobStore interface {
	// Put stores r under a freshly generated reference ending in ext and
	// returns the reference and the number of bytes written.
	Put(ctx context.Context, ext string, r io.Reader) (ref string, n int64, err error)
	// Open returns the payload for ref. Returns ErrBlobNotFound if absent.
	Open(ref string) (io.ReadCloser, error)
	// Stat returns the payload size. Returns ErrBlobNotFound if absent.
	Stat(ref string) (int64, error)
	// Delete removes ref. Deleting an absent reference is not an error.
	Delete(ref string) error
	// List returns every stored reference.
	List() ([]string, error)
}

// Backend is the repository consumed by export and import.
// All implementations must be safe for concurrent access.
type Backend interface {
	// ReadSnapshot runs fn against a read-consistent view of the store.
	ReadSnapshot(ctx context.Context, fn func(r Reader) error) error
	// WriteTx runs fn in one transaction. An error from fn, or a context
	// that is done when fn returns, rolls everything back.
	WriteTx(ctx context.Context, fn func(w Writer) error) error
	// Blobs returns the payload store.
	Blobs() BlobStore
	// ListProjects lists every project with entity counts.
	ListProjects(ctx context.Context) ([]db.ProjectSummary, error)
	// Counts returns row counts for every entity table.
	Counts(ctx context.Context) (db.TableCounts, error)
	// Close releases resources.
	Close() error
}
