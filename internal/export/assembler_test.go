package export

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/scribe/internal/archive"
	"github.com/randalmurphal/scribe/internal/db"
	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
	"github.com/randalmurphal/scribe/internal/storage"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 500, time.UTC)

func newAssembler(backend storage.Backend) *Assembler {
	return New(backend, Options{
		Generator: "scribe test",
		Now:       func() time.Time { return fixedNow },
	})
}

func TestAssemble_InterviewScenario(t *testing.T) {
	t.Parallel()
	backend := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, backend, storage.InterviewSeed())

	var buf bytes.Buffer
	_, err := newAssembler(backend).Export(context.Background(), &buf, seeded.ProjectID, archive.FormatZip)
	require.NoError(t, err)

	a, err := archive.DecodeBytes(buf.Bytes(), archive.DefaultLimits())
	require.NoError(t, err)

	m := a.Manifest
	assert.Equal(t, archive.Counts{Projects: 1, AudioFiles: 1, Speakers: 1, Segments: 3, Edits: 1, Payloads: 1}, m.Counts())
	assert.Equal(t, archive.CurrentVersion, m.FormatVersion)
	assert.True(t, m.ExportedAt.Equal(fixedNow.Truncate(time.Second)))
	assert.Equal(t, "scribe test", m.Generator)
	assert.Equal(t, "Interview", m.Project.Name)
	assert.Equal(t, "interview", m.Project.ContentType)
	assert.Empty(t, m.Warnings)

	assert.Equal(t, "af-1", m.AudioFiles[0].ID)
	assert.Equal(t, "audio/000_af-1.wav", m.AudioFiles[0].Payload)
	assert.Equal(t, "sp-1", m.Speakers[0].ID)
	assert.Equal(t, "af-1", m.Speakers[0].AudioFileRef)

	for i, seg := range m.Segments {
		assert.Equal(t, i, seg.Sequence)
		assert.Equal(t, "sp-1", seg.SpeakerRef)
		assert.Equal(t, "af-1", seg.AudioFileRef)
	}
	require.NotNil(t, m.Segments[1].EditedText)
	assert.Equal(t, "Second line, edited.", *m.Segments[1].EditedText)
	assert.True(t, m.Segments[2].IsPassive)
	assert.Equal(t, 7.25, m.Segments[2].EndTime)

	assert.Equal(t, m.Segments[1].ID, m.Edits[0].SegmentRef)
	assert.Equal(t, archive.SourceAI, m.Edits[0].Source)

	p, ok := a.Payload("af-1")
	require.True(t, ok)
	assert.Equal(t, int64(len("RIFF interview audio bytes")), p.Size)
}

func TestAssemble_MissingPayloadIsWarning(t *testing.T) {
	t.Parallel()
	backend := storage.NewTestBackend(t)
	seed := storage.InterviewSeed()
	seed.Files = append(seed.Files,
		storage.SeedFile{Filename: "pruned.mp3", Payload: []byte("will be deleted")},
		storage.SeedFile{Filename: "never-uploaded.mp3"},
	)
	seeded := storage.SeedProject(t, backend, seed)
	require.NoError(t, backend.Blobs().Delete(seeded.StorageRefs[1]))

	res, err := newAssembler(backend).Assemble(context.Background(), seeded.ProjectID)
	require.NoError(t, err)

	m := res.Manifest
	require.Len(t, m.AudioFiles, 3)
	assert.False(t, m.AudioFiles[0].MissingSourceFile)
	assert.True(t, m.AudioFiles[1].MissingSourceFile)
	assert.True(t, m.AudioFiles[2].MissingSourceFile)

	require.Len(t, m.Warnings, 2)
	for i, w := range m.Warnings {
		assert.Equal(t, archive.WarningMissingSourceFile, w.Code)
		assert.Equal(t, m.AudioFiles[i+1].ID, w.AudioFileRef)
	}

	data, _, err := archive.EncodeBytes(archive.FormatTarGz, m, res.Payloads)
	require.NoError(t, err)
	a, err := archive.DecodeBytes(data, archive.DefaultLimits())
	require.NoError(t, err)
	assert.Len(t, a.Payloads, 1)
}

func TestAssemble_ChunkLineage(t *testing.T) {
	t.Parallel()
	backend := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, backend, storage.Seed{
		Files: []storage.SeedFile{
			{Filename: "full.wav", Payload: []byte("full")},
			{Filename: "part1.wav", Parent: 1, Payload: []byte("p1")},
			{Filename: "part1a.wav", Parent: 2},
		},
	})

	res, err := newAssembler(backend).Assemble(context.Background(), seeded.ProjectID)
	require.NoError(t, err)

	afs := res.Manifest.AudioFiles
	assert.Empty(t, afs[0].ParentRef)
	assert.Equal(t, afs[0].ID, afs[1].ParentRef)
	assert.Equal(t, afs[1].ID, afs[2].ParentRef)
}

func TestAssemble_ProjectNotFound(t *testing.T) {
	t.Parallel()
	backend := storage.NewTestBackend(t)

	_, err := newAssembler(backend).Assemble(context.Background(), "no-such-project")
	require.Error(t, err)
	assert.True(t, scribeerrors.HasCode(err, scribeerrors.CodeProjectNotFound))
}

func TestAssemble_OnlyTargetProject(t *testing.T) {
	t.Parallel()
	backend := storage.NewTestBackend(t)
	first := storage.SeedProject(t, backend, storage.InterviewSeed())
	storage.SeedProject(t, backend, storage.InterviewSeed())

	res, err := newAssembler(backend).Assemble(context.Background(), first.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Manifest.Counts().Segments)
	assert.Equal(t, 1, res.Manifest.Counts().Edits)
}

func TestAssemble_ConcurrentExports(t *testing.T) {
	t.Parallel()
	backend := storage.NewTestBackend(t)
	ids := []string{
		storage.SeedProject(t, backend, storage.InterviewSeed()).ProjectID,
		storage.SeedProject(t, backend, storage.Seed{Project: db.Project{Name: "Other"}, Files: []storage.SeedFile{{Filename: "x.wav", Payload: []byte("x")}}}).ProjectID,
	}
	asm := newAssembler(backend)

	var wg sync.WaitGroup
	results := make([][]byte, 2*len(ids))
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf bytes.Buffer
			_, errs[i] = asm.Export(context.Background(), &buf, ids[i%len(ids)], archive.FormatZip)
			results[i] = buf.Bytes()
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
	}
	// Same project, same clock: identical archives.
	assert.Equal(t, results[0], results[2])
	assert.Equal(t, results[1], results[3])
	assert.NotEqual(t, results[0], results[1])
}

func TestAssemble_CancelledContext(t *testing.T) {
	t.Parallel()
	backend := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, backend, storage.InterviewSeed())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newAssembler(backend).Assemble(ctx, seeded.ProjectID)
	assert.ErrorIs(t, err, context.Canceled)
}
