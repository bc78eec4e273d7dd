package importer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/scribe/internal/archive"
	"github.com/randalmurphal/scribe/internal/db"
	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
	"github.com/randalmurphal/scribe/internal/export"
	"github.com/randalmurphal/scribe/internal/storage"
	"github.com/randalmurphal/scribe/internal/validate"
)

var exportTime = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

var errInjected = errors.New("injected failure")

func assemble(t *testing.T, src storage.Backend, projectID string) *archive.Manifest {
	t.Helper()
	res, err := export.New(src, export.Options{Now: func() time.Time { return exportTime }}).Assemble(t.Context(), projectID)
	require.NoError(t, err)
	return res.Manifest
}

func exportArchive(t *testing.T, src storage.Backend, projectID string) *archive.Archive {
	t.Helper()
	var buf bytes.Buffer
	_, err := export.New(src, export.Options{Now: func() time.Time { return exportTime }}).
		Export(t.Context(), &buf, projectID, archive.FormatZip)
	require.NoError(t, err)
	a, err := archive.DecodeBytes(buf.Bytes(), archive.DefaultLimits())
	require.NoError(t, err)
	return a
}

type graph struct {
	project    *db.Project
	audioFiles []*db.AudioFile
	speakers   []*db.Speaker
	segments   []*db.Segment
	edits      []*db.Edit
}

func readGraph(t *testing.T, backend storage.Backend, projectID string) graph {
	t.Helper()
	var g graph
	err := backend.ReadSnapshot(t.Context(), func(r storage.Reader) error {
		var err error
		if g.project, err = r.Project(projectID); err != nil {
			return err
		}
		if g.audioFiles, err = r.AudioFiles(projectID); err != nil {
			return err
		}
		if g.speakers, err = r.Speakers(projectID); err != nil {
			return err
		}
		if g.segments, err = r.Segments(projectID); err != nil {
			return err
		}
		g.edits, err = r.Edits(projectID)
		return err
	})
	require.NoError(t, err)
	return g
}

func requireEmpty(t *testing.T, backend storage.Backend) {
	t.Helper()
	counts, err := backend.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, db.TableCounts{}, counts, "no rows may survive a failed import")
	refs, err := backend.Blobs().List()
	require.NoError(t, err)
	assert.Empty(t, refs, "no payloads may survive a failed import")
}

func twoFileSeed() storage.Seed {
	seed := storage.InterviewSeed()
	seed.Files = append(seed.Files, storage.SeedFile{
		Filename: "interview_part2.wav",
		Parent:   1,
		Payload:  []byte("RIFF second chunk"),
		Speakers: []db.Speaker{{Name: "Host", Color: "#aa0000"}},
		Segments: []storage.SeedSegment{
			{Speaker: 1, Start: 0, End: 1, Text: "Welcome back."},
			{Start: 1, End: 2, Text: "Unattributed."},
		},
	})
	return seed
}

// faultyBackend wraps a backend, failing segment writes after a budget and
// optionally swapping the blob store.
type faultyBackend struct {
	storage.Backend
	segmentsBeforeFailure int
	blobs                 storage.BlobStore
}

func (f *faultyBackend) WriteTx(ctx context.Context, fn func(w storage.Writer) error) error {
	return f.Backend.WriteTx(ctx, func(w storage.Writer) error {
		return fn(&faultyWriter{Writer: w, left: f.segmentsBeforeFailure})
	})
}

func (f *faultyBackend) Blobs() storage.BlobStore {
	if f.blobs != nil {
		return f.blobs
	}
	return f.Backend.Blobs()
}

type faultyWriter struct {
	storage.Writer
	left int
}

func (w *faultyWriter) CreateSegment(s *db.Segment) error {
	if w.left == 0 {
		return errInjected
	}
	w.left--
	return w.Writer.CreateSegment(s)
}

// flakyBlobs fails every Put after the first succeed.
type flakyBlobs struct {
	storage.BlobStore
	mu      sync.Mutex
	succeed int
}

func (b *flakyBlobs) Put(ctx context.Context, ext string, r io.Reader) (string, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.succeed == 0 {
		return "", 0, errors.New("disk full")
	}
	b.succeed--
	return b.BlobStore.Put(ctx, ext, r)
}

// stallingBlobs blocks every Put until the context ends.
type stallingBlobs struct {
	storage.BlobStore
}

func (stallingBlobs) Put(ctx context.Context, _ string, _ io.Reader) (string, int64, error) {
	<-ctx.Done()
	return "", 0, ctx.Err()
}

func TestImport_InterviewScenario(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())

	a := exportArchive(t, src, seeded.ProjectID)
	assert.Equal(t, archive.Counts{Projects: 1, AudioFiles: 1, Speakers: 1, Segments: 3, Edits: 1, Payloads: 1}, a.Manifest.Counts())

	dst := storage.NewTestBackend(t)
	res, err := New(dst, nil).Import(t.Context(), a, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.ProjectID)
	assert.NotEqual(t, seeded.ProjectID, res.ProjectID)
	assert.Equal(t, archive.Counts{Projects: 1, AudioFiles: 1, Speakers: 1, Segments: 3, Edits: 1, Payloads: 1}, res.Counts)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, StateDone, res.State())

	g := readGraph(t, dst, res.ProjectID)
	assert.Equal(t, "Interview", g.project.Name)
	require.Len(t, g.segments, 3)
	wantTimes := [][2]float64{{0, 2.5}, {2.5, 5}, {5, 7.25}}
	for i, seg := range g.segments {
		assert.Equal(t, i, seg.Sequence)
		assert.Equal(t, wantTimes[i][0], seg.StartTime)
		assert.Equal(t, wantTimes[i][1], seg.EndTime)
		require.NotNil(t, seg.SpeakerID)
		assert.Equal(t, g.speakers[0].ID, *seg.SpeakerID)
	}
	require.NotNil(t, g.segments[1].EditedText)
	assert.Equal(t, "Second line, edited.", *g.segments[1].EditedText)
	assert.True(t, g.segments[2].IsPassive)

	require.Len(t, g.edits, 1)
	assert.Equal(t, g.segments[1].ID, g.edits[0].SegmentID)
	assert.Equal(t, db.EditSourceAI, g.edits[0].Source)

	require.Len(t, g.audioFiles, 1)
	af := g.audioFiles[0]
	require.True(t, af.HasPayload())
	assert.NotEqual(t, seeded.StorageRefs[0], *af.StoragePath, "payload must land under a fresh reference")
	rc, err := dst.Blobs().Open(*af.StoragePath)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "RIFF interview audio bytes", string(data))
}

func TestImport_RoundTripFidelity(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, twoFileSeed())

	dst := storage.NewTestBackend(t)
	res, err := New(dst, nil).Import(t.Context(), exportArchive(t, src, seeded.ProjectID), Options{})
	require.NoError(t, err)

	before, err := archive.MarshalManifest(assemble(t, src, seeded.ProjectID))
	require.NoError(t, err)
	after, err := archive.MarshalManifest(assemble(t, dst, res.ProjectID))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "re-exporting the import must reproduce the manifest")

	g := readGraph(t, dst, res.ProjectID)
	require.Len(t, g.audioFiles, 2)
	require.NotNil(t, g.audioFiles[1].ParentID)
	assert.Equal(t, g.audioFiles[0].ID, *g.audioFiles[1].ParentID)
}

func TestImport_MissingPayloadTolerated(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seed := storage.InterviewSeed()
	seed.Files = append(seed.Files, storage.SeedFile{Filename: "lost.mp3"})
	seeded := storage.SeedProject(t, src, seed)

	a := exportArchive(t, src, seeded.ProjectID)
	require.True(t, a.Manifest.AudioFiles[1].MissingSourceFile)

	dst := storage.NewTestBackend(t)
	res, err := New(dst, nil).Import(t.Context(), a, Options{})
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, validate.CodeMissingSourceFile, res.Warnings[0].Code)
	assert.Equal(t, "af-2", res.Warnings[0].Ref)
	assert.Equal(t, 2, res.Counts.AudioFiles)
	assert.Equal(t, 1, res.Counts.Payloads)

	g := readGraph(t, dst, res.ProjectID)
	lost := g.audioFiles[1]
	assert.Equal(t, "lost.mp3", lost.OriginalFilename)
	assert.Nil(t, lost.StoragePath)
	assert.Equal(t, db.AudioStatusSourceMissing, lost.Status)
}

func TestImport_AtomicOnSegmentFailure(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, twoFileSeed())
	a := exportArchive(t, src, seeded.ProjectID)

	for _, n := range []int{0, 2, 4} {
		dst := storage.NewTestBackend(t)
		faulty := &faultyBackend{Backend: dst, segmentsBeforeFailure: n}

		res, err := New(faulty, nil).Import(t.Context(), a, Options{})
		require.Error(t, err, "failure after %d segments", n)
		assert.True(t, scribeerrors.HasCode(err, scribeerrors.CodeImportFailed))
		assert.ErrorIs(t, err, errInjected)
		assert.Empty(t, res.ProjectID)
		assert.Equal(t, archive.Counts{}, res.Counts)
		assert.Equal(t, []State{StateValidating, StateWriting, StateAborting, StateFailed}, res.Transitions)
		requireEmpty(t, dst)

		// The same archive imports cleanly once the fault is gone.
		_, err = New(dst, nil).Import(t.Context(), a, Options{})
		require.NoError(t, err)
	}
}

func TestImport_StorageFailure(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, twoFileSeed())
	a := exportArchive(t, src, seeded.ProjectID)

	t.Run("strict aborts and removes copied payloads", func(t *testing.T) {
		t.Parallel()
		dst := storage.NewTestBackend(t)
		faulty := &faultyBackend{Backend: dst, segmentsBeforeFailure: -1, blobs: &flakyBlobs{BlobStore: dst.Blobs(), succeed: 1}}

		_, err := New(faulty, nil).Import(t.Context(), a, Options{})
		require.Error(t, err)
		assert.True(t, scribeerrors.HasCode(err, scribeerrors.CodeImportFailed))
		assert.Contains(t, err.Error(), "storage write failed for file interview_part2.wav")
		assert.Contains(t, err.Error(), "no partial project was created")
		requireEmpty(t, dst)
	})

	t.Run("tolerant imports without audio", func(t *testing.T) {
		t.Parallel()
		dst := storage.NewTestBackend(t)
		faulty := &faultyBackend{Backend: dst, segmentsBeforeFailure: -1, blobs: &flakyBlobs{BlobStore: dst.Blobs(), succeed: 1}}

		res, err := New(faulty, nil).Import(t.Context(), a, Options{AllowPayloadFailures: true})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Counts.Payloads)
		assert.Equal(t, 2, res.Counts.AudioFiles)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, WarningPayloadNotStored, res.Warnings[0].Code)
		assert.Equal(t, "af-2", res.Warnings[0].Ref)

		g := readGraph(t, dst, res.ProjectID)
		assert.True(t, g.audioFiles[0].HasPayload())
		assert.False(t, g.audioFiles[1].HasPayload())
		assert.Equal(t, db.AudioStatusSourceMissing, g.audioFiles[1].Status)

		refs, err := dst.Blobs().List()
		require.NoError(t, err)
		assert.Len(t, refs, 1)
	})
}

func TestImport_Cancelled(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())
	a := exportArchive(t, src, seeded.ProjectID)

	dst := storage.NewTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(dst, nil).Import(ctx, a, Options{})
	require.Error(t, err)
	assert.True(t, scribeerrors.HasCode(err, scribeerrors.CodeImportFailed))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, res.State())
	requireEmpty(t, dst)
}

func TestImport_Timeout(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())
	a := exportArchive(t, src, seeded.ProjectID)

	dst := storage.NewTestBackend(t)
	stalled := &faultyBackend{Backend: dst, segmentsBeforeFailure: -1, blobs: stallingBlobs{BlobStore: dst.Blobs()}}

	res, err := New(stalled, nil).Import(t.Context(), a, Options{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, scribeerrors.HasCode(err, scribeerrors.CodeImportTimeout))
	assert.Contains(t, err.Error(), "20ms")
	assert.Equal(t, StateFailed, res.State())
	requireEmpty(t, dst)
}

func TestImport_ValidationFailureWritesNothing(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())
	a := exportArchive(t, src, seeded.ProjectID)
	a.Manifest.Segments[1].AudioFileRef = "af-404"

	dst := storage.NewTestBackend(t)
	storage.SeedProject(t, dst, storage.Seed{Project: db.Project{Name: "Existing"}})
	before, err := dst.Counts(t.Context())
	require.NoError(t, err)

	res, err := New(dst, nil).Import(t.Context(), a, Options{})
	require.Error(t, err)
	assert.True(t, scribeerrors.HasCode(err, scribeerrors.CodeValidationFailed))
	assert.Equal(t, []State{StateValidating, StateFailed}, res.Transitions)
	require.NotNil(t, res.Report)
	require.Len(t, res.Report.Errors, 1)
	assert.Equal(t, "sg-2", res.Report.Errors[0].Ref)

	after, err := dst.Counts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestImport_Overrides(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())
	a := exportArchive(t, src, seeded.ProjectID)
	dst := storage.NewTestBackend(t)

	res, err := New(dst, nil).Import(t.Context(), a, Options{Name: "Interview (copy)"})
	require.NoError(t, err)
	g := readGraph(t, dst, res.ProjectID)
	assert.Equal(t, "Interview (copy)", g.project.Name)
	assert.Equal(t, "pilot episode", g.project.Description)

	res, err = New(dst, nil).Import(t.Context(), a, Options{Description: "second take"})
	require.NoError(t, err)
	g = readGraph(t, dst, res.ProjectID)
	assert.Equal(t, "Interview", g.project.Name)
	assert.Equal(t, "second take", g.project.Description)
}

func TestImport_NameCollisionAllowed(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())
	a := exportArchive(t, src, seeded.ProjectID)

	res, err := New(src, nil).Import(t.Context(), a, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, seeded.ProjectID, res.ProjectID)

	projects, err := src.ListProjects(t.Context())
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, projects[0].Name, projects[1].Name)
}

func TestImport_DryRun(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())
	a := exportArchive(t, src, seeded.ProjectID)
	dst := storage.NewTestBackend(t)

	res, err := New(dst, nil).Import(t.Context(), a, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Empty(t, res.ProjectID)
	assert.Equal(t, []State{StateValidating, StateDone}, res.Transitions)
	assert.True(t, res.Report.IsValid)
	requireEmpty(t, dst)
}

func TestImport_Transitions(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())
	a := exportArchive(t, src, seeded.ProjectID)

	var seen [][2]State
	_, err := New(storage.NewTestBackend(t), nil).Import(t.Context(), a, Options{
		OnTransition: func(from, to State) { seen = append(seen, [2]State{from, to}) },
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]State{
		{StatePending, StateValidating},
		{StateValidating, StateWriting},
		{StateWriting, StateCommitting},
		{StateCommitting, StateDone},
	}, seen)
	assert.True(t, StateDone.Terminal())
	assert.False(t, StateCommitting.Terminal())
}

func TestImport_Concurrent(t *testing.T) {
	t.Parallel()
	src := storage.NewTestBackend(t)
	seeded := storage.SeedProject(t, src, storage.InterviewSeed())
	a := exportArchive(t, src, seeded.ProjectID)

	dst := storage.NewTestBackend(t)
	orch := New(dst, nil)

	const n = 4
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := orch.Import(context.Background(), a, Options{})
			errs[i] = err
			if res != nil {
				ids[i] = res.ProjectID
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := range n {
		require.NoError(t, errs[i])
		assert.False(t, seen[ids[i]], "each import creates its own project")
		seen[ids[i]] = true
	}

	counts, err := dst.Counts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, db.TableCounts{Projects: n, AudioFiles: n, Speakers: n, Segments: 3 * n, Edits: n}, counts)
	refs, err := dst.Blobs().List()
	require.NoError(t, err)
	assert.Len(t, refs, n)
}

func TestImport_ChildListedBeforeParent(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := &archive.Manifest{
		FormatVersion: archive.CurrentVersion,
		ExportedAt:    at,
		Project:       &archive.Project{Name: "Chunks", CreatedAt: at, UpdatedAt: at},
		AudioFiles: []archive.AudioFile{
			{ID: "af-1", ParentRef: "af-2", OriginalFilename: "chunk.wav", Status: "completed", CreatedAt: at, MissingSourceFile: true},
			{ID: "af-2", OriginalFilename: "full.wav", Status: "completed", CreatedAt: at, MissingSourceFile: true},
		},
		Segments: []archive.Segment{
			{ID: "sg-1", AudioFileRef: "af-1", Sequence: 1, StartTime: 1, EndTime: 2, OriginalText: "b"},
			{ID: "sg-2", AudioFileRef: "af-1", Sequence: 0, StartTime: 0, EndTime: 1, OriginalText: "a"},
		},
	}
	data, _, err := archive.EncodeBytes(archive.FormatTarGz, m, nil)
	require.NoError(t, err)
	a, err := archive.DecodeBytes(data, archive.DefaultLimits())
	require.NoError(t, err)

	dst := storage.NewTestBackend(t)
	res, err := New(dst, nil).Import(t.Context(), a, Options{})
	require.NoError(t, err)

	g := readGraph(t, dst, res.ProjectID)
	byName := make(map[string]*db.AudioFile)
	for _, af := range g.audioFiles {
		byName[af.OriginalFilename] = af
	}
	require.NotNil(t, byName["chunk.wav"].ParentID)
	assert.Equal(t, byName["full.wav"].ID, *byName["chunk.wav"].ParentID)
	require.Len(t, g.segments, 2)
	assert.Equal(t, "a", g.segments[0].OriginalText)
	assert.Equal(t, "b", g.segments[1].OriginalText)
}

func TestParentFirst(t *testing.T) {
	t.Parallel()
	files := []archive.AudioFile{
		{ID: "c", ParentRef: "b"},
		{ID: "b", ParentRef: "a"},
		{ID: "d"},
		{ID: "a"},
		{ID: "e", ParentRef: "a"},
	}

	var order []string
	for _, af := range parentFirst(files) {
		order = append(order, af.ID)
	}
	assert.Equal(t, []string{"d", "a", "b", "e", "c"}, order)
}
