package db

import (
	"fmt"

	"github.com/google/uuid"
)

// Segment is one transcribed span of an audio file.
// Sequence is dense and zero-based per audio file.
type Segment struct {
	ID           string  `db:"id"`
	AudioFileID  string  `db:"audio_file_id"`
	SpeakerID    *string `db:"speaker_id"`
	Sequence     int     `db:"sequence"`
	StartTime    float64 `db:"start_time"`
	EndTime      float64 `db:"end_time"`
	OriginalText string  `db:"original_text"`
	EditedText   *string `db:"edited_text"`
	IsPassive    bool    `db:"is_passive"`
}

// CreateSegmentTx inserts a new segment, assigning a fresh ID.
func CreateSegmentTx(tx *TxOps, s *Segment) error {
	s.ID = uuid.NewString()
	_, err := tx.Exec(`
		INSERT INTO segments (id, audio_file_id, speaker_id, sequence, start_time, end_time, original_text, edited_text, is_passive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.AudioFileID, s.SpeakerID, s.Sequence, s.StartTime, s.EndTime, s.OriginalText, s.EditedText, s.IsPassive)
	if err != nil {
		return fmt.Errorf("insert segment %d: %w", s.Sequence, err)
	}
	return nil
}

// ListSegmentsTx returns the project's segments grouped by audio file, in sequence order.
func ListSegmentsTx(tx *TxOps, projectID string) ([]*Segment, error) {
	var out []*Segment
	err := tx.Select(&out, `
		SELECT s.id, s.audio_file_id, s.speaker_id, s.sequence, s.start_time, s.end_time,
			s.original_text, s.edited_text, s.is_passive
		FROM segments s
		JOIN audio_files af ON af.id = s.audio_file_id
		WHERE af.project_id = ?
		ORDER BY af.created_at, af.id, s.sequence
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return out, nil
}
