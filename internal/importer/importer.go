// Package importer replays a decoded archive into the live store.
//
// An import is one run of a small state machine:
//
//	Pending → Validating → Writing → Committing → Done
//	              │           │          │
//	              │           └────┬─────┘
//	              ↓                ↓
//	            Failed  ←───── Aborting
//
// Every row is written inside one backend transaction, so readers never see
// a partial project. Audio payloads are copied into the blob store before the
// row that references them; blob writes are not transactional, so the abort
// path deletes every payload copied by the failed attempt.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/randalmurphal/scribe/internal/archive"
	"github.com/randalmurphal/scribe/internal/db"
	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
	"github.com/randalmurphal/scribe/internal/storage"
	"github.com/randalmurphal/scribe/internal/validate"
)

// State is a step of one import run.
type State string

// Import states.
const (
	StatePending    State = "pending"
	StateValidating State = "validating"
	StateWriting    State = "writing"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateAborting   State = "aborting"
	StateFailed     State = "failed"
)

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// WarningPayloadNotStored is the warning code for a payload that could not be
// copied into storage when payload failures are tolerated.
const WarningPayloadNotStored = "payload_not_stored"

// Options configures one import.
type Options struct {
	// Name and Description replace the archived values when non-empty.
	Name        string
	Description string
	// DryRun validates only. Nothing is written.
	DryRun bool
	// AllowPayloadFailures turns a failed payload copy into a warning and
	// imports the file without audio. By default it aborts the import.
	AllowPayloadFailures bool
	// Timeout bounds the write phase. Zero means no limit beyond ctx.
	Timeout time.Duration
	// OnTransition is called synchronously on every state change.
	OnTransition func(from, to State)
}

// Result describes one import run. It is returned on failure too, so callers
// can inspect the validation report and the states visited.
type Result struct {
	// ProjectID is the new project. Empty unless the run reached Done
	// with a write.
	ProjectID string `json:"project_id,omitempty"`
	// Counts are the rows and payloads actually written.
	Counts      archive.Counts     `json:"counts"`
	Warnings    []validate.Problem `json:"warnings"`
	Report      *validate.Report   `json:"report,omitempty"`
	Transitions []State            `json:"transitions"`
	DryRun      bool               `json:"dry_run,omitempty"`
}

// State returns the last state reached.
func (r *Result) State() State {
	if len(r.Transitions) == 0 {
		return StatePending
	}
	return r.Transitions[len(r.Transitions)-1]
}

// Orchestrator runs imports against a backend. It holds no per-import
// state; concurrent Import calls are independent.
type Orchestrator struct {
	backend storage.Backend
	logger  *slog.Logger
}

// New creates an Orchestrator.
func New(backend storage.Backend, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{backend: backend, logger: logger}
}

// run is the mutable state of one Import call.
type run struct {
	opts   Options
	blobs  storage.BlobStore
	logger *slog.Logger
	state  State
	res    *Result

	// copied holds every blob reference written by this attempt.
	copied []string
}

func (r *run) to(next State) {
	from := r.state
	r.state = next
	r.res.Transitions = append(r.res.Transitions, next)
	r.logger.Debug("import state", "from", from, "state", next)
	if r.opts.OnTransition != nil {
		r.opts.OnTransition(from, next)
	}
}

// Import validates a and, if it passes, writes it as a new project.
//
// The archive is always re-validated here; a report produced elsewhere is
// never trusted. Validation failures return ErrValidationFailed with nothing
// written. Write failures roll back, delete copied payloads, and return
// ErrImportFailed, or ErrImportTimeout when the budget ran out.
func (o *Orchestrator) Import(ctx context.Context, a *archive.Archive, opts Options) (*Result, error) {
	r := &run{
		opts:   opts,
		blobs:  o.backend.Blobs(),
		logger: o.logger,
		state:  StatePending,
		res:    &Result{Warnings: []validate.Problem{}, DryRun: opts.DryRun},
	}

	r.to(StateValidating)
	report := validate.Archive(a)
	r.res.Report = report
	r.res.Warnings = append(r.res.Warnings, report.Warnings...)
	if !report.IsValid {
		r.to(StateFailed)
		o.logger.Info("import refused", "errors", len(report.Errors), "warnings", len(report.Warnings))
		return r.res, scribeerrors.ErrValidationFailed(report.Fatal())
	}
	if opts.DryRun {
		r.to(StateDone)
		return r.res, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	r.to(StateWriting)
	var counts archive.Counts
	var projectID string
	err := o.backend.WriteTx(ctx, func(w storage.Writer) error {
		var err error
		projectID, counts, err = r.write(ctx, w, a)
		if err != nil {
			return err
		}
		r.to(StateCommitting)
		return nil
	})
	if err != nil {
		return r.res, r.abort(ctx, err)
	}

	r.res.ProjectID = projectID
	r.res.Counts = counts
	r.to(StateDone)
	o.logger.Info("project imported",
		"project_id", projectID,
		"audio_files", counts.AudioFiles,
		"segments", counts.Segments,
		"payloads", counts.Payloads,
		"warnings", len(r.res.Warnings),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return r.res, nil
}

// abort runs after the transaction has rolled back. It removes the payloads
// this attempt copied and maps cause to the error returned to the caller.
func (r *run) abort(ctx context.Context, cause error) error {
	r.to(StateAborting)

	removed := 0
	for _, ref := range r.copied {
		if err := r.blobs.Delete(ref); err != nil {
			r.logger.Error("remove copied payload", "ref", ref, "error", err)
			continue
		}
		removed++
	}
	r.copied = nil
	r.logger.Warn("import rolled back", "error", cause, "payloads_removed", removed)

	r.to(StateFailed)

	switch {
	case errors.Is(cause, context.DeadlineExceeded) && ctx.Err() != nil:
		budget := "the caller's deadline"
		if r.opts.Timeout > 0 {
			budget = r.opts.Timeout.String()
		}
		return scribeerrors.ErrImportTimeout(budget).WithCause(cause)
	case errors.Is(cause, context.Canceled):
		return scribeerrors.ErrImportFailed("import was cancelled").WithCause(cause)
	}
	if se := scribeerrors.AsScribeError(cause); se != nil {
		return scribeerrors.ErrImportFailed(se.What).WithCause(cause)
	}
	return scribeerrors.ErrImportFailed("writing the project failed").WithCause(cause)
}

// write creates every row of the manifest in dependency order, remapping
// archive IDs to the live IDs the writer assigns.
func (r *run) write(ctx context.Context, w storage.Writer, a *archive.Archive) (string, archive.Counts, error) {
	m := a.Manifest
	var counts archive.Counts

	p := &db.Project{
		Name:        m.Project.Name,
		Description: m.Project.Description,
		ContentType: m.Project.ContentType,
		CreatedAt:   m.Project.CreatedAt,
		UpdatedAt:   m.Project.UpdatedAt,
	}
	if r.opts.Name != "" {
		p.Name = r.opts.Name
	}
	if r.opts.Description != "" {
		p.Description = r.opts.Description
	}
	if err := w.CreateProject(p); err != nil {
		return "", counts, err
	}
	counts.Projects = 1

	audioIDs := make(map[string]string, len(m.AudioFiles))
	for _, af := range parentFirst(m.AudioFiles) {
		if err := ctx.Err(); err != nil {
			return "", counts, err
		}
		row := &db.AudioFile{
			ProjectID:        p.ID,
			OriginalFilename: af.OriginalFilename,
			DurationSec:      af.DurationSec,
			Status:           af.Status,
			CreatedAt:        af.CreatedAt,
		}
		if af.ParentRef != "" {
			parent := audioIDs[af.ParentRef]
			row.ParentID = &parent
		}

		ref, err := r.copyPayload(ctx, a, af)
		if err != nil {
			return "", counts, err
		}
		if ref != "" {
			row.StoragePath = &ref
			counts.Payloads++
		} else {
			row.Status = db.AudioStatusSourceMissing
		}

		if err := w.CreateAudioFile(row); err != nil {
			return "", counts, err
		}
		audioIDs[af.ID] = row.ID
		counts.AudioFiles++
	}

	speakerIDs := make(map[string]string, len(m.Speakers))
	for _, s := range m.Speakers {
		row := &db.Speaker{AudioFileID: audioIDs[s.AudioFileRef], Name: s.Name, Color: s.Color}
		if err := w.CreateSpeaker(row); err != nil {
			return "", counts, err
		}
		speakerIDs[s.ID] = row.ID
		counts.Speakers++
	}

	segmentIDs := make(map[string]string, len(m.Segments))
	for _, s := range segmentsInOrder(m) {
		if err := ctx.Err(); err != nil {
			return "", counts, err
		}
		row := &db.Segment{
			AudioFileID:  audioIDs[s.AudioFileRef],
			Sequence:     s.Sequence,
			StartTime:    s.StartTime,
			EndTime:      s.EndTime,
			OriginalText: s.OriginalText,
			EditedText:   s.EditedText,
			IsPassive:    s.IsPassive,
		}
		if s.SpeakerRef != "" {
			speaker := speakerIDs[s.SpeakerRef]
			row.SpeakerID = &speaker
		}
		if err := w.CreateSegment(row); err != nil {
			return "", counts, err
		}
		segmentIDs[s.ID] = row.ID
		counts.Segments++
	}

	for _, e := range m.Edits {
		row := &db.Edit{
			SegmentID:      segmentIDs[e.SegmentRef],
			BeforeText:     e.BeforeText,
			AfterText:      e.AfterText,
			Source:         db.EditSource(e.Source),
			CorrectionType: e.CorrectionType,
			CreatedAt:      e.CreatedAt,
		}
		if err := w.CreateEdit(row); err != nil {
			return "", counts, err
		}
		counts.Edits++
	}

	return p.ID, counts, nil
}

// copyPayload stores the payload of af under a fresh reference. It returns
// "" when the file is imported without audio.
func (r *run) copyPayload(ctx context.Context, a *archive.Archive, af archive.AudioFile) (string, error) {
	if af.MissingSourceFile {
		return "", nil
	}
	p, ok := a.Payload(af.ID)
	if !ok {
		return "", nil
	}

	ref, err := r.putPayload(ctx, p)
	if err == nil {
		return ref, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	failure := scribeerrors.ErrStorageWriteFailed(af.OriginalFilename).WithCause(err)
	if !r.opts.AllowPayloadFailures {
		return "", failure
	}
	r.logger.Warn("payload not stored, importing without audio", "archive_ref", af.ID, "error", err)
	r.res.Warnings = append(r.res.Warnings, validate.Problem{
		Code:    WarningPayloadNotStored,
		Entity:  validate.EntityAudioFile,
		Ref:     af.ID,
		Message: fmt.Sprintf("audio for %s (%s) could not be stored: %v", af.OriginalFilename, af.ID, err),
	})
	return "", nil
}

func (r *run) putPayload(ctx context.Context, p *archive.Payload) (string, error) {
	rc, err := p.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p.Name, err)
	}
	defer func() { _ = rc.Close() }()

	ref, n, err := r.blobs.Put(ctx, path.Ext(p.Name), io.LimitReader(rc, p.Size+1))
	if err != nil {
		return "", err
	}
	if n != p.Size {
		if delErr := r.blobs.Delete(ref); delErr != nil {
			r.copied = append(r.copied, ref)
		}
		return "", fmt.Errorf("stored %d bytes of %s, expected %d", n, p.Name, p.Size)
	}
	r.copied = append(r.copied, ref)
	return ref, nil
}

// parentFirst orders files breadth-first from the roots of the chunk forest
// so every parent is created before its children. Siblings keep manifest order.
func parentFirst(files []archive.AudioFile) []archive.AudioFile {
	children := make(map[string][]int)
	var queue []int
	for i, af := range files {
		if af.ParentRef == "" {
			queue = append(queue, i)
		} else {
			children[af.ParentRef] = append(children[af.ParentRef], i)
		}
	}

	out := make([]archive.AudioFile, 0, len(files))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out = append(out, files[i])
		queue = append(queue, children[files[i].ID]...)
	}
	return out
}

// segmentsInOrder groups segments by audio file, in manifest file order, and
// sorts each group by sequence.
func segmentsInOrder(m *archive.Manifest) []archive.Segment {
	rank := make(map[string]int, len(m.AudioFiles))
	for i, af := range m.AudioFiles {
		rank[af.ID] = i
	}
	out := append([]archive.Segment(nil), m.Segments...)
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := rank[out[i].AudioFileRef], rank[out[j].AudioFileRef]; ri != rj {
			return ri < rj
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}
