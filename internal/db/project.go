package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/scribe/internal/db/driver"
)

// ProjectDB provides operations on the scribe database.
type ProjectDB struct {
	*DB
}

// OpenProject opens (and migrates) the scribe database using SQLite at path.
func OpenProject(path string) (*ProjectDB, error) {
	return OpenProjectWithDialect(path, driver.DialectSQLite)
}

// OpenProjectWithDialect opens the database with a specific dialect.
// For SQLite, dsn is the file path. For PostgreSQL, dsn is the connection string.
func OpenProjectWithDialect(dsn string, dialect driver.Dialect) (*ProjectDB, error) {
	db, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate scribe db: %w", err)
	}

	return &ProjectDB{DB: db}, nil
}

// OpenProjectInMemory opens a migrated in-memory SQLite database.
func OpenProjectInMemory() (*ProjectDB, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate scribe db: %w", err)
	}
	return &ProjectDB{DB: db}, nil
}

// Project is the root of one transcription project graph.
type Project struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	ContentType string    `db:"content_type"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// ProjectSummary is a project with entity counts, for listings.
type ProjectSummary struct {
	Project
	AudioFiles int `db:"audio_files"`
	Segments   int `db:"segments"`
}

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// CreateProjectTx inserts a new project, assigning a fresh ID.
func CreateProjectTx(tx *TxOps, p *Project) error {
	p.ID = uuid.NewString()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	_, err := tx.Exec(`
		INSERT INTO projects (id, name, description, content_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, p.ContentType, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProjectTx loads one project. Returns ErrNotFound if it doesn't exist.
func GetProjectTx(tx *TxOps, id string) (*Project, error) {
	var p Project
	err := tx.Get(&p, `
		SELECT id, name, description, content_type, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjectsTx lists every project with audio file and segment counts.
func ListProjectsTx(tx *TxOps) ([]ProjectSummary, error) {
	var out []ProjectSummary
	err := tx.Select(&out, `
		SELECT p.id, p.name, p.description, p.content_type, p.created_at, p.updated_at,
			(SELECT COUNT(*) FROM audio_files af WHERE af.project_id = p.id) AS audio_files,
			(SELECT COUNT(*) FROM segments s JOIN audio_files af ON af.id = s.audio_file_id
				WHERE af.project_id = p.id) AS segments
		FROM projects p
		ORDER BY p.created_at, p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// GetProject loads one project outside any caller transaction.
func (p *ProjectDB) GetProject(ctx context.Context, id string) (*Project, error) {
	var out *Project
	err := p.RunInSnapshot(ctx, func(tx *TxOps) error {
		var err error
		out, err = GetProjectTx(tx, id)
		return err
	})
	return out, err
}

// ListProjects lists every project with counts.
func (p *ProjectDB) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	var out []ProjectSummary
	err := p.RunInSnapshot(ctx, func(tx *TxOps) error {
		var err error
		out, err = ListProjectsTx(tx)
		return err
	})
	return out, err
}

// TableCounts holds row counts for every entity table.
type TableCounts struct {
	Projects   int `db:"projects"`
	AudioFiles int `db:"audio_files"`
	Speakers   int `db:"speakers"`
	Segments   int `db:"segments"`
	Edits      int `db:"edits"`
}

// CountAll returns the number of rows in every entity table.
func (p *ProjectDB) CountAll(ctx context.Context) (TableCounts, error) {
	var c TableCounts
	err := p.RunInSnapshot(ctx, func(tx *TxOps) error {
		return tx.Get(&c, `
			SELECT
				(SELECT COUNT(*) FROM projects) AS projects,
				(SELECT COUNT(*) FROM audio_files) AS audio_files,
				(SELECT COUNT(*) FROM speakers) AS speakers,
				(SELECT COUNT(*) FROM segments) AS segments,
				(SELECT COUNT(*) FROM edits) AS edits
		`)
	})
	if err != nil {
		return c, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
