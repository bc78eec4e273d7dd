package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/scribe/internal/db"
)

func TestDatabaseBackend_WriteThenRead(t *testing.T) {
	t.Parallel()
	backend := NewTestBackend(t)
	ctx := context.Background()

	var projectID string
	err := backend.WriteTx(ctx, func(w Writer) error {
		p := &db.Project{Name: "Podcast"}
		if err := w.CreateProject(p); err != nil {
			return err
		}
		projectID = p.ID
		af := &db.AudioFile{ProjectID: p.ID, OriginalFilename: "ep1.mp3", DurationSec: 10}
		if err := w.CreateAudioFile(af); err != nil {
			return err
		}
		spk := &db.Speaker{AudioFileID: af.ID, Name: "Host"}
		if err := w.CreateSpeaker(spk); err != nil {
			return err
		}
		seg := &db.Segment{AudioFileID: af.ID, SpeakerID: &spk.ID, StartTime: 0, EndTime: 1, OriginalText: "hi"}
		if err := w.CreateSegment(seg); err != nil {
			return err
		}
		return w.CreateEdit(&db.Edit{SegmentID: seg.ID, BeforeText: "hi", AfterText: "Hi."})
	})
	require.NoError(t, err)

	err = backend.ReadSnapshot(ctx, func(r Reader) error {
		p, err := r.Project(projectID)
		require.NoError(t, err)
		assert.Equal(t, "Podcast", p.Name)

		afs, err := r.AudioFiles(projectID)
		require.NoError(t, err)
		assert.Len(t, afs, 1)
		spks, err := r.Speakers(projectID)
		require.NoError(t, err)
		assert.Len(t, spks, 1)
		segs, err := r.Segments(projectID)
		require.NoError(t, err)
		assert.Len(t, segs, 1)
		edits, err := r.Edits(projectID)
		require.NoError(t, err)
		require.Len(t, edits, 1)
		assert.Equal(t, db.EditSourceManual, edits[0].Source)
		return nil
	})
	require.NoError(t, err)

	list, err := backend.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Segments)
}

func TestDatabaseBackend_WriteTxRollback(t *testing.T) {
	t.Parallel()
	backend := NewTestBackend(t)
	ctx := context.Background()

	err := backend.WriteTx(ctx, func(w Writer) error {
		if err := w.CreateProject(&db.Project{Name: "half"}); err != nil {
			return err
		}
		return errors.New("injected")
	})
	require.Error(t, err)

	counts, err := backend.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.TableCounts{}, counts)
}

func TestDatabaseBackend_ProjectNotFound(t *testing.T) {
	t.Parallel()
	backend := NewTestBackend(t)

	err := backend.ReadSnapshot(context.Background(), func(r Reader) error {
		_, err := r.Project("nope")
		return err
	})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestNewTestBackend_BlobsIsolated(t *testing.T) {
	t.Parallel()
	a := NewTestBackend(t)
	b := NewTestBackend(t)

	ref := PutTestBlob(t, a.Blobs(), ".wav", []byte("abc"))
	_, err := b.Blobs().Stat(ref)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}
