package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	chi "github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/randalmurphal/scribe/internal/archive"
	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
	"github.com/randalmurphal/scribe/internal/transfer"
)

// maxFieldSize bounds non-file multipart fields.
const maxFieldSize = 64 << 10

// ProjectResponse is one entry of GET /api/projects.
type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	AudioFiles  int    `json:"audio_files"`
	Segments    int    `json:"segments"`
}

// handleListProjects lists live projects.
// GET /api/projects
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.svc.Projects(r.Context())
	if err != nil {
		HandleError(w, err, nil)
		return
	}
	out := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, ProjectResponse{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			ContentType: p.ContentType,
			AudioFiles:  p.AudioFiles,
			Segments:    p.Segments,
		})
	}
	JSONResponse(w, out)
}

// handleExport streams one project as an archive.
// GET /api/projects/{id}/export?format=zip|tar.gz
//
// The archive is built into a temp file first so a failure can still be
// reported as JSON instead of a truncated download.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	format, err := archive.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	tmp, err := afero.TempFile(s.fs, s.tempDir, "scribe-export-*")
	if err != nil {
		HandleError(w, fmt.Errorf("create temp file: %w", err), nil)
		return
	}
	defer s.discard(tmp)

	if _, err := s.svc.Export(r.Context(), tmp, projectID, format); err != nil {
		HandleError(w, err, nil)
		return
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		HandleError(w, fmt.Errorf("size export: %w", err), nil)
		return
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		HandleError(w, fmt.Errorf("rewind export: %w", err), nil)
		return
	}

	ext := ".zip"
	contentType := "application/zip"
	if format == archive.FormatTarGz {
		ext, contentType = ".tar.gz", "application/gzip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": "project-" + projectID + ext,
	}))
	if _, err := io.Copy(w, tmp); err != nil {
		s.logger.Warn("export download interrupted", "project_id", projectID, "error", err)
	}
}

// handleValidate validates an uploaded archive without importing it.
// POST /api/imports/validate
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	up, err := s.spool(w, r)
	if err != nil {
		HandleError(w, err, nil)
		return
	}
	defer s.discard(up.file)

	report, _, err := s.svc.Validate(r.Context(), up.file, up.size)
	if err != nil {
		HandleError(w, err, nil)
		return
	}
	JSONResponse(w, report)
}

// handleImport imports an uploaded archive as a new project.
// POST /api/imports?name=&description=&dry_run=true
//
// Multipart uploads may carry name, description, and dry_run as form fields
// instead of query parameters.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	up, err := s.spool(w, r)
	if err != nil {
		HandleError(w, err, nil)
		return
	}
	defer s.discard(up.file)

	opts := transfer.ImportOptions{
		Name:        up.value("name"),
		Description: up.value("description"),
		DryRun:      up.value("dry_run") == "true",
	}
	res, err := s.svc.Import(r.Context(), up.file, up.size, opts)
	if err != nil {
		var details any
		if res != nil {
			details = res
		}
		HandleError(w, err, details)
		return
	}

	status := http.StatusCreated
	if res.DryRun {
		status = http.StatusOK
	}
	JSONResponseStatus(w, res, status)
}

// upload is a request body spooled to a seekable temp file.
type upload struct {
	file   afero.File
	size   int64
	fields map[string]string
	query  map[string][]string
}

func (u *upload) value(key string) string {
	if v, ok := u.fields[key]; ok {
		return v
	}
	if vs := u.query[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// spool copies the archive in r to a temp file. The body is either a
// multipart form with a "file" part or the raw archive bytes.
func (s *Server) spool(w http.ResponseWriter, r *http.Request) (*upload, error) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}

	tmp, err := afero.TempFile(s.fs, s.tempDir, "scribe-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	up := &upload{file: tmp, fields: map[string]string{}, query: r.URL.Query()}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		err = s.spoolMultipart(r, up)
	} else {
		up.size, err = io.Copy(tmp, r.Body)
	}
	if err != nil {
		s.discard(tmp)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, scribeerrors.ErrArchiveTooLarge("upload", tooLarge.Limit)
		}
		if se := scribeerrors.AsScribeError(err); se != nil {
			return nil, se
		}
		return nil, scribeerrors.ErrCorruptArchive("upload could not be read").WithCause(err)
	}
	if up.size == 0 {
		s.discard(tmp)
		return nil, scribeerrors.ErrCorruptArchive("no archive was uploaded")
	}
	return up, nil
}

func (s *Server) spoolMultipart(r *http.Request, up *upload) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return err
	}
	found := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		name := part.FormName()
		switch {
		case name == "file" && !found:
			found = true
			up.size, err = io.Copy(up.file, part)
		case part.FileName() == "":
			var data []byte
			data, err = io.ReadAll(io.LimitReader(part, maxFieldSize))
			up.fields[name] = strings.TrimSpace(string(data))
		}
		_ = part.Close()
		if err != nil {
			return err
		}
	}
	if !found {
		return scribeerrors.ErrCorruptArchive(`multipart upload has no "file" part`)
	}
	return nil
}

func (s *Server) discard(f afero.File) {
	name := f.Name()
	_ = f.Close()
	if err := s.fs.Remove(name); err != nil {
		s.logger.Warn("remove temp file", "path", name, "error", err)
	}
}
