package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audio file processing statuses.
const (
	AudioStatusPending    = "pending"
	AudioStatusProcessing = "processing"
	AudioStatusCompleted  = "completed"
	AudioStatusFailed     = "failed"
	// AudioStatusSourceMissing marks a file whose audio payload was not
	// available when the row was created (import without payload).
	AudioStatusSourceMissing = "source_missing"
)

// AudioFile is an uploaded recording, or a chunk split from one.
type AudioFile struct {
	ID               string    `db:"id"`
	ProjectID        string    `db:"project_id"`
	ParentID         *string   `db:"parent_id"`
	OriginalFilename string    `db:"original_filename"`
	StoragePath      *string   `db:"storage_path"`
	DurationSec      float64   `db:"duration_sec"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
}

// HasPayload reports whether the file references stored audio.
func (a *AudioFile) HasPayload() bool {
	return a.StoragePath != nil && *a.StoragePath != ""
}

// CreateAudioFileTx inserts a new audio file, assigning a fresh ID.
func CreateAudioFileTx(tx *TxOps, a *AudioFile) error {
	a.ID = uuid.NewString()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = AudioStatusPending
	}

	_, err := tx.Exec(`
		INSERT INTO audio_files (id, project_id, parent_id, original_filename, storage_path, duration_sec, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ProjectID, a.ParentID, a.OriginalFilename, a.StoragePath, a.DurationSec, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audio file %s: %w", a.OriginalFilename, err)
	}
	return nil
}

// ListAudioFilesTx returns the project's audio files in creation order.
func ListAudioFilesTx(tx *TxOps, projectID string) ([]*AudioFile, error) {
	var out []*AudioFile
	err := tx.Select(&out, `
		SELECT id, project_id, parent_id, original_filename, storage_path, duration_sec, status, created_at
		FROM audio_files
		WHERE project_id = ?
		ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list audio files: %w", err)
	}
	return out, nil
}
