package db

import (
	"fmt"

	"github.com/google/uuid"
)

// Speaker is a diarized voice within one audio file.
type Speaker struct {
	ID          string `db:"id"`
	AudioFileID string `db:"audio_file_id"`
	Name        string `db:"name"`
	Color       string `db:"color"`
}

// CreateSpeakerTx inserts a new speaker, assigning a fresh ID.
func CreateSpeakerTx(tx *TxOps, s *Speaker) error {
	s.ID = uuid.NewString()
	_, err := tx.Exec(`
		INSERT INTO speakers (id, audio_file_id, name, color)
		VALUES (?, ?, ?, ?)
	`, s.ID, s.AudioFileID, s.Name, s.Color)
	if err != nil {
		return fmt.Errorf("insert speaker %s: %w", s.Name, err)
	}
	return nil
}

// ListSpeakersTx returns every speaker in the project.
func ListSpeakersTx(tx *TxOps, projectID string) ([]*Speaker, error) {
	var out []*Speaker
	err := tx.Select(&out, `
		SELECT s.id, s.audio_file_id, s.name, s.color
		FROM speakers s
		JOIN audio_files af ON af.id = s.audio_file_id
		WHERE af.project_id = ?
		ORDER BY af.created_at, af.id, s.name, s.id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list speakers: %w", err)
	}
	return out, nil
}
