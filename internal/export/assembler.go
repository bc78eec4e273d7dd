// Package export builds portable archives from live projects.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/scribe/internal/archive"
	"github.com/randalmurphal/scribe/internal/db"
	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
	"github.com/randalmurphal/scribe/internal/storage"
)

// Options configures an Assembler.
type Options struct {
	// Concurrency bounds parallel payload reads. Defaults to 4.
	Concurrency int
	// Generator is recorded in the manifest.
	Generator string
	Logger    *slog.Logger
	// Now returns the export timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Assembler reads one project graph and turns it into a manifest.
type Assembler struct {
	backend storage.Backend
	opts    Options
	logger  *slog.Logger
}

// New creates an Assembler over backend.
func New(backend storage.Backend, opts Options) *Assembler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{backend: backend, opts: opts, logger: logger}
}

// Result is an assembled project ready to encode.
type Result struct {
	Manifest *archive.Manifest
	// Payloads opens audio by archive-local audio file ID.
	Payloads archive.PayloadOpener
}

// graph is one snapshot of a project.
type graph struct {
	project    *db.Project
	audioFiles []*db.AudioFile
	speakers   []*db.Speaker
	segments   []*db.Segment
	edits      []*db.Edit
}

// Assemble reads the project inside one consistent snapshot, then probes
// every audio payload. Payloads that cannot be read are flagged
// missing_source_file rather than failing the export.
func (a *Assembler) Assemble(ctx context.Context, projectID string) (*Result, error) {
	g, err := a.read(ctx, projectID)
	if err != nil {
		return nil, err
	}

	m, storageRefs, err := buildManifest(g)
	if err != nil {
		return nil, err
	}
	m.ExportedAt = a.opts.Now().UTC().Truncate(time.Second)
	m.Generator = a.opts.Generator

	if err := a.probePayloads(ctx, m, storageRefs); err != nil {
		return nil, err
	}

	blobs := a.backend.Blobs()
	open := func(id string) (io.ReadCloser, error) {
		ref, ok := storageRefs[id]
		if !ok {
			return nil, fmt.Errorf("audio file %s has no stored payload", id)
		}
		return blobs.Open(ref)
	}

	a.logger.Info("project assembled",
		"project_id", projectID,
		"audio_files", len(m.AudioFiles),
		"segments", len(m.Segments),
		"warnings", len(m.Warnings),
	)
	return &Result{Manifest: m, Payloads: open}, nil
}

// Export assembles projectID and writes it to w as one archive.
func (a *Assembler) Export(ctx context.Context, w io.Writer, projectID, format string) (*archive.Manifest, error) {
	res, err := a.Assemble(ctx, projectID)
	if err != nil {
		return nil, err
	}
	m, err := archive.Encode(w, format, res.Manifest, res.Payloads)
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	return m, nil
}

func (a *Assembler) read(ctx context.Context, projectID string) (*graph, error) {
	var g graph
	err := a.backend.ReadSnapshot(ctx, func(r storage.Reader) error {
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
	if errors.Is(err, db.ErrNotFound) {
		return nil, scribeerrors.ErrProjectNotFound(projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("read project %s: %w", projectID, err)
	}
	return &g, nil
}

// buildManifest assigns archive-local IDs in read order and rewrites every
// reference. It returns the storage reference of each audio file that has one.
func buildManifest(g *graph) (*archive.Manifest, map[string]string, error) {
	m := &archive.Manifest{
		FormatVersion: archive.CurrentVersion,
		Project: &archive.Project{
			Name:        g.project.Name,
			Description: g.project.Description,
			ContentType: g.project.ContentType,
			CreatedAt:   g.project.CreatedAt.UTC(),
			UpdatedAt:   g.project.UpdatedAt.UTC(),
		},
		AudioFiles: make([]archive.AudioFile, 0, len(g.audioFiles)),
	}

	audioIDs := make(map[string]string, len(g.audioFiles))
	for i, af := range g.audioFiles {
		audioIDs[af.ID] = fmt.Sprintf("af-%d", i+1)
	}
	storageRefs := make(map[string]string)
	for _, af := range g.audioFiles {
		id := audioIDs[af.ID]
		out := archive.AudioFile{
			ID:               id,
			OriginalFilename: af.OriginalFilename,
			DurationSec:      af.DurationSec,
			Status:           af.Status,
			CreatedAt:        af.CreatedAt.UTC(),
		}
		if af.ParentID != nil {
			parent, ok := audioIDs[*af.ParentID]
			if !ok {
				return nil, nil, fmt.Errorf("audio file %s: parent %s is not in this project", af.ID, *af.ParentID)
			}
			out.ParentRef = parent
		}
		if af.HasPayload() {
			storageRefs[id] = *af.StoragePath
		} else {
			out.MissingSourceFile = true
		}
		m.AudioFiles = append(m.AudioFiles, out)
	}

	speakerIDs := make(map[string]string, len(g.speakers))
	for i, s := range g.speakers {
		id := fmt.Sprintf("sp-%d", i+1)
		speakerIDs[s.ID] = id
		m.Speakers = append(m.Speakers, archive.Speaker{
			ID:           id,
			AudioFileRef: audioIDs[s.AudioFileID],
			Name:         s.Name,
			Color:        s.Color,
		})
	}

	segmentIDs := make(map[string]string, len(g.segments))
	for i, s := range g.segments {
		id := fmt.Sprintf("sg-%d", i+1)
		segmentIDs[s.ID] = id
		out := archive.Segment{
			ID:           id,
			AudioFileRef: audioIDs[s.AudioFileID],
			Sequence:     s.Sequence,
			StartTime:    s.StartTime,
			EndTime:      s.EndTime,
			OriginalText: s.OriginalText,
			EditedText:   s.EditedText,
			IsPassive:    s.IsPassive,
		}
		if s.SpeakerID != nil {
			ref, ok := speakerIDs[*s.SpeakerID]
			if !ok {
				return nil, nil, fmt.Errorf("segment %s: speaker %s is not in this project", s.ID, *s.SpeakerID)
			}
			out.SpeakerRef = ref
		}
		m.Segments = append(m.Segments, out)
	}

	for i, e := range g.edits {
		m.Edits = append(m.Edits, archive.Edit{
			ID:             fmt.Sprintf("ed-%d", i+1),
			SegmentRef:     segmentIDs[e.SegmentID],
			BeforeText:     e.BeforeText,
			AfterText:      e.AfterText,
			Source:         string(e.Source),
			CorrectionType: e.CorrectionType,
			CreatedAt:      e.CreatedAt.UTC(),
		})
	}
	return m, storageRefs, nil
}

// probePayloads reads every payload once to record its size and digest.
// Unreadable payloads are flagged missing and get a manifest warning.
func (a *Assembler) probePayloads(ctx context.Context, m *archive.Manifest, storageRefs map[string]string) error {
	type probe struct {
		size int64
		sum  string
		err  error
	}
	results := make([]probe, len(m.AudioFiles))
	blobs := a.backend.Blobs()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i := range m.AudioFiles {
		ref, ok := storageRefs[m.AudioFiles[i].ID]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rc, err := blobs.Open(ref)
			if err != nil {
				results[i].err = err
				return nil
			}
			defer func() { _ = rc.Close() }()
			results[i].size, results[i].sum, results[i].err = archive.DigestReader(rc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range m.AudioFiles {
		af := &m.AudioFiles[i]
		if _, ok := storageRefs[af.ID]; ok && results[i].err == nil {
			af.PayloadSize, af.PayloadSHA256 = results[i].size, results[i].sum
			continue
		}
		if results[i].err != nil {
			a.logger.Warn("audio payload unreadable, exporting without it",
				"audio_file", af.OriginalFilename,
				"archive_ref", af.ID,
				"error", results[i].err,
			)
			delete(storageRefs, af.ID)
		}
		af.MissingSourceFile = true
		m.Warnings = append(m.Warnings, archive.Warning{
			Code:         archive.WarningMissingSourceFile,
			AudioFileRef: af.ID,
			Message:      fmt.Sprintf("audio for %s (%s) was not found in storage", af.OriginalFilename, af.ID),
		})
	}
	return nil
}
