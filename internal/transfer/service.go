// Package transfer exposes the export, validate, and import entry points
// shared by the CLI and the HTTP API.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/randalmurphal/scribe/internal/archive"
	"github.com/randalmurphal/scribe/internal/config"
	"github.com/randalmurphal/scribe/internal/db"
	"github.com/randalmurphal/scribe/internal/export"
	"github.com/randalmurphal/scribe/internal/importer"
	"github.com/randalmurphal/scribe/internal/storage"
	"github.com/randalmurphal/scribe/internal/validate"
)

// Generator is recorded in every exported manifest.
const Generator = "scribe"

// Service wires the codec, assembler, validator, and orchestrator to one
// backend and configuration.
type Service struct {
	backend   storage.Backend
	cfg       *config.Config
	fs        afero.Fs
	assembler *export.Assembler
	importer  *importer.Orchestrator
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFs sets the filesystem used by the *File helpers. Defaults to the OS.
func WithFs(fs afero.Fs) Option {
	return func(s *Service) { s.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a Service.
func New(backend storage.Backend, cfg *config.Config, opts ...Option) *Service {
	s := &Service{backend: backend, cfg: cfg, fs: afero.NewOsFs(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.assembler = export.New(backend, export.Options{
		Concurrency: cfg.Export.Concurrency,
		Generator:   Generator,
		Logger:      s.logger,
	})
	s.importer = importer.New(backend, s.logger)
	return s
}

// Limits returns the decode limits from configuration.
func (s *Service) Limits() archive.Limits {
	return archive.Limits{
		MaxArchiveSize:  s.cfg.Archive.MaxArchiveBytes(),
		MaxEntrySize:    s.cfg.Archive.MaxEntryBytes(),
		MaxManifestSize: s.cfg.Archive.MaxManifestBytes(),
	}
}

// Projects lists live projects with entity counts.
func (s *Service) Projects(ctx context.Context) ([]db.ProjectSummary, error) {
	return s.backend.ListProjects(ctx)
}

// Export writes projectID to w. An empty format uses archive.format.
func (s *Service) Export(ctx context.Context, w io.Writer, projectID, format string) (*archive.Manifest, error) {
	if format == "" {
		format = s.cfg.Archive.Format
	}
	format, err := archive.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return s.assembler.Export(ctx, w, projectID, format)
}

// ExportFile writes projectID to path. The format follows the file
// extension unless given. The file appears only once it is complete.
func (s *Service) ExportFile(ctx context.Context, path, projectID, format string) (*archive.Manifest, error) {
	if format == "" {
		format = archive.FormatFromPath(path)
	}

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, ".scribe-export-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	m, err := s.Export(ctx, tmp, projectID, format)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close %s: %w", tmpName, closeErr)
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return nil, err
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		_ = s.fs.Remove(tmpName)
		return nil, fmt.Errorf("move archive into place: %w", err)
	}
	return m, nil
}

// Decode reads an archive of the given size using the configured limits.
func (s *Service) Decode(r io.ReaderAt, size int64) (*archive.Archive, error) {
	return archive.Decode(r, size, s.Limits())
}

// Validate decodes and validates an archive without writing anything.
// Structural problems are returned as errors; semantic problems are in
// the report.
func (s *Service) Validate(ctx context.Context, r io.ReaderAt, size int64) (*validate.Report, *archive.Archive, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	a, err := s.Decode(r, size)
	if err != nil {
		return nil, nil, err
	}
	return validate.Archive(a), a, nil
}

// ImportOptions are the caller-controlled parts of an import.
type ImportOptions struct {
	Name         string
	Description  string
	DryRun       bool
	OnTransition func(from, to importer.State)
}

// Import decodes an archive and imports it as a new project. The write
// budget scales with the payload bytes in the archive.
func (s *Service) Import(ctx context.Context, r io.ReaderAt, size int64, opts ImportOptions) (*importer.Result, error) {
	a, err := s.Decode(r, size)
	if err != nil {
		return nil, err
	}
	return s.ImportArchive(ctx, a, opts)
}

// ImportArchive imports an already decoded archive.
func (s *Service) ImportArchive(ctx context.Context, a *archive.Archive, opts ImportOptions) (*importer.Result, error) {
	budget := s.cfg.Import.ImportBudget(a.PayloadBytes())
	s.logger.Debug("import budget", "payload_bytes", a.PayloadBytes(), "budget", budget)
	return s.importer.Import(ctx, a, importer.Options{
		Name:                 opts.Name,
		Description:          opts.Description,
		DryRun:               opts.DryRun,
		AllowPayloadFailures: !s.cfg.Import.StrictPayloads,
		Timeout:              budget,
		OnTransition:         opts.OnTransition,
	})
}

// OpenFile opens a local archive for Decode, Validate, or Import. The caller
// closes the returned file.
func (s *Service) OpenFile(path string) (afero.File, int64, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat archive: %w", err)
	}
	return f, info.Size(), nil
}

// ValidateFile validates the archive at path. The file is closed on return,
// so payloads of the returned archive can no longer be opened.
func (s *Service) ValidateFile(ctx context.Context, path string) (*validate.Report, *archive.Archive, error) {
	f, size, err := s.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	return s.Validate(ctx, f, size)
}

// ImportFile imports the archive at path.
func (s *Service) ImportFile(ctx context.Context, path string, opts ImportOptions) (*importer.Result, error) {
	f, size, err := s.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return s.Import(ctx, f, size, opts)
}
