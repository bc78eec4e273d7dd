package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EditSource records who produced an edit.
type EditSource string

const (
	EditSourceManual EditSource = "manual"
	EditSourceAI     EditSource = "ai"
)

// Valid reports whether s is a known edit source.
func (s EditSource) Valid() bool {
	return s == EditSourceManual || s == EditSourceAI
}

// Edit is one entry in a segment's text history.
type Edit struct {
	ID             string     `db:"id"`
	SegmentID      string     `db:"segment_id"`
	BeforeText     string     `db:"before_text"`
	AfterText      string     `db:"after_text"`
	Source         EditSource `db:"source"`
	CorrectionType *string    `db:"correction_type"`
	CreatedAt      time.Time  `db:"created_at"`
}

// CreateEditTx inserts a new edit, assigning a fresh ID.
func CreateEditTx(tx *TxOps, e *Edit) error {
	e.ID = uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Source == "" {
		e.Source = EditSourceManual
	}

	_, err := tx.Exec(`
		INSERT INTO edits (id, segment_id, before_text, after_text, source, correction_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SegmentID, e.BeforeText, e.AfterText, string(e.Source), e.CorrectionType, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert edit: %w", err)
	}
	return nil
}

// ListEditsTx returns every edit in the project, oldest first.
func ListEditsTx(tx *TxOps, projectID string) ([]*Edit, error) {
	var out []*Edit
	err := tx.Select(&out, `
		SELECT e.id, e.segment_id, e.before_text, e.after_text, e.source, e.correction_type, e.created_at
		FROM edits e
		JOIN segments s ON s.id = e.segment_id
		JOIN audio_files af ON af.id = s.audio_file_id
		WHERE af.project_id = ?
		ORDER BY e.created_at, e.id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	return out, nil
}
