// Package storage provides test utilities for storage backends.
//
// Tests that need a repository should use NewTestBackend so they get an
// in-memory database plus an in-memory blob filesystem, both released via
// t.Cleanup().
package storage

import (
	"bytes"
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/randalmurphal/scribe/internal/db"
)

func newMemFs() afero.Fs {
	return afero.NewMemMapFs()
}

// NewTestBackend creates an in-memory backend for testing.
// The backend is automatically closed when the test completes.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel() // Always add for faster tests
//	    backend := storage.NewTestBackend(t)
//	    // use backend...
//	}
func NewTestBackend(t testing.TB) *DatabaseBackend {
	t.Helper()

	backend, err := NewInMemoryBackend()
	if err != nil {
		t.Fatalf("create test backend: %v", err)
	}

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return backend
}

// PutTestBlob stores data and returns its reference, failing the test on error.
func PutTestBlob(t testing.TB, blobs BlobStore, ext string, data []byte) string {
	t.Helper()

	ref, _, err := blobs.Put(t.Context(), ext, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("put test blob: %v", err)
	}
	return ref
}

// Seed describes a project graph to create in tests.
type Seed struct {
	Project db.Project
	Files   []SeedFile
}

// SeedFile is one audio file of a Seed.
type SeedFile struct {
	Filename string
	// Parent is the 1-based index of the parent file in Seed.Files; 0 for none.
	Parent int
	// Payload is stored in the blob store; nil leaves the file without audio.
	Payload  []byte
	Speakers []db.Speaker
	Segments []SeedSegment
}

// SeedSegment is one segment of a SeedFile. Sequence is its index.
type SeedSegment struct {
	// Speaker is the 1-based index into SeedFile.Speakers; 0 for none.
	Speaker    int
	Start, End float64
	Text       string
	Edited     *string
	Passive    bool
	Edits      []db.Edit
}

// Seeded reports the live IDs a seed produced.
type Seeded struct {
	ProjectID    string
	AudioFileIDs []string
	StorageRefs  []string
	SegmentIDs   [][]string
}

// SeedProject writes seed through backend in one transaction.
func SeedProject(t testing.TB, backend Backend, seed Seed) Seeded {
	t.Helper()

	out := Seeded{
		AudioFileIDs: make([]string, len(seed.Files)),
		StorageRefs:  make([]string, len(seed.Files)),
		SegmentIDs:   make([][]string, len(seed.Files)),
	}
	for i, f := range seed.Files {
		if f.Payload != nil {
			out.StorageRefs[i] = PutTestBlob(t, backend.Blobs(), path.Ext(f.Filename), f.Payload)
		}
	}

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	err := backend.WriteTx(t.Context(), func(w Writer) error {
		p := seed.Project
		if p.Name == "" {
			p.Name = "Seeded project"
		}
		if err := w.CreateProject(&p); err != nil {
			return err
		}
		out.ProjectID = p.ID

		for i, f := range seed.Files {
			af := &db.AudioFile{
				ProjectID:        p.ID,
				OriginalFilename: f.Filename,
				DurationSec:      60,
				Status:           db.AudioStatusCompleted,
				CreatedAt:        base.Add(time.Duration(i) * time.Second),
			}
			if f.Parent > 0 {
				af.ParentID = &out.AudioFileIDs[f.Parent-1]
			}
			if out.StorageRefs[i] != "" {
				af.StoragePath = &out.StorageRefs[i]
			}
			if err := w.CreateAudioFile(af); err != nil {
				return err
			}
			out.AudioFileIDs[i] = af.ID

			speakerIDs := make([]string, len(f.Speakers))
			for j := range f.Speakers {
				spk := f.Speakers[j]
				spk.AudioFileID = af.ID
				if err := w.CreateSpeaker(&spk); err != nil {
					return err
				}
				speakerIDs[j] = spk.ID
			}

			for seq, s := range f.Segments {
				seg := &db.Segment{
					AudioFileID:  af.ID,
					Sequence:     seq,
					StartTime:    s.Start,
					EndTime:      s.End,
					OriginalText: s.Text,
					EditedText:   s.Edited,
					IsPassive:    s.Passive,
				}
				if s.Speaker > 0 {
					seg.SpeakerID = &speakerIDs[s.Speaker-1]
				}
				if err := w.CreateSegment(seg); err != nil {
					return err
				}
				out.SegmentIDs[i] = append(out.SegmentIDs[i], seg.ID)

				for k := range s.Edits {
					e := s.Edits[k]
					e.SegmentID = seg.ID
					if e.CreatedAt.IsZero() {
						e.CreatedAt = base.Add(time.Duration(k) * time.Minute)
					}
					if err := w.CreateEdit(&e); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return out
}

// InterviewSeed is one audio file with one speaker, three segments
// (sequence 0, 1, 2) all spoken by that speaker, and one edit on segment 1.
func InterviewSeed() Seed {
	edited := "Second line, edited."
	return Seed{
		Project: db.Project{Name: "Interview", Description: "pilot episode", ContentType: "interview"},
		Files: []SeedFile{{
			Filename: "interview.wav",
			Payload:  []byte("RIFF interview audio bytes"),
			Speakers: []db.Speaker{{Name: "Guest", Color: "#3366ff"}},
			Segments: []SeedSegment{
				{Speaker: 1, Start: 0, End: 2.5, Text: "First line."},
				{Speaker: 1, Start: 2.5, End: 5, Text: "second line", Edited: &edited, Edits: []db.Edit{{
					BeforeText: "second line",
					AfterText:  edited,
					Source:     db.EditSourceAI,
				}}},
				{Speaker: 1, Start: 5, End: 7.25, Text: "Third line.", Passive: true},
			},
		}},
	}
}
