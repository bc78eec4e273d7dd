package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
)

// manifestV1 is the first archive schema. Audio files had no missing-source
// flag (an empty payload meant missing) and edits carried a boolean instead
// of a source.
type manifestV1 struct {
	FormatVersion int       `yaml:"format_version"`
	ExportedAt    time.Time `yaml:"exported_at"`
	Project       *Project  `yaml:"project"`
	AudioFiles    []struct {
		ID               string    `yaml:"id"`
		ParentRef        string    `yaml:"parent_ref,omitempty"`
		OriginalFilename string    `yaml:"original_filename"`
		DurationSec      float64   `yaml:"duration_sec"`
		Status           string    `yaml:"status"`
		CreatedAt        time.Time `yaml:"created_at"`
		Payload          string    `yaml:"payload,omitempty"`
	} `yaml:"audio_files"`
	Speakers []Speaker `yaml:"speakers"`
	Segments []Segment `yaml:"segments"`
	Edits    []struct {
		ID             string    `yaml:"id"`
		SegmentRef     string    `yaml:"segment_ref"`
		BeforeText     string    `yaml:"before_text"`
		AfterText      string    `yaml:"after_text"`
		AIAssisted     bool      `yaml:"ai_assisted"`
		CorrectionType *string   `yaml:"correction_type,omitempty"`
		CreatedAt      time.Time `yaml:"created_at"`
	} `yaml:"edits"`
}

func (v1 *manifestV1) upgrade() *Manifest {
	m := &Manifest{
		FormatVersion: CurrentVersion,
		ExportedAt:    v1.ExportedAt,
		Project:       v1.Project,
		Speakers:      v1.Speakers,
		Segments:      v1.Segments,
	}
	if v1.AudioFiles != nil {
		m.AudioFiles = make([]AudioFile, 0, len(v1.AudioFiles))
	}
	for _, af := range v1.AudioFiles {
		m.AudioFiles = append(m.AudioFiles, AudioFile{
			ID:                af.ID,
			ParentRef:         af.ParentRef,
			OriginalFilename:  af.OriginalFilename,
			DurationSec:       af.DurationSec,
			Status:            af.Status,
			CreatedAt:         af.CreatedAt,
			MissingSourceFile: af.Payload == "",
			Payload:           af.Payload,
		})
	}
	for _, e := range v1.Edits {
		source := SourceManual
		if e.AIAssisted {
			source = SourceAI
		}
		m.Edits = append(m.Edits, Edit{
			ID:             e.ID,
			SegmentRef:     e.SegmentRef,
			BeforeText:     e.BeforeText,
			AfterText:      e.AfterText,
			Source:         source,
			CorrectionType: e.CorrectionType,
			CreatedAt:      e.CreatedAt,
		})
	}
	return m
}

// ParseManifest decodes a manifest document of any supported version into
// the current schema. Unknown fields are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	_, m, err := parseManifest(data)
	return m, err
}

// parseManifest also returns the version the document was written in.
func parseManifest(data []byte) (int, *Manifest, error) {
	var head struct {
		FormatVersion int `yaml:"format_version"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return 0, nil, scribeerrors.ErrCorruptArchive("manifest is not valid YAML").WithCause(err)
	}

	switch head.FormatVersion {
	case FormatV1:
		var v1 manifestV1
		if err := decodeStrict(data, &v1); err != nil {
			return 0, nil, err
		}
		return FormatV1, v1.upgrade(), nil
	case FormatV2:
		var m Manifest
		if err := decodeStrict(data, &m); err != nil {
			return 0, nil, err
		}
		return FormatV2, &m, nil
	default:
		if head.FormatVersion > CurrentVersion {
			return 0, nil, scribeerrors.ErrUnsupportedFormatVersion(head.FormatVersion, CurrentVersion)
		}
		return 0, nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("manifest has invalid format_version %d", head.FormatVersion))
	}
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return scribeerrors.ErrCorruptArchive(fmt.Sprintf("manifest does not match format version schema: %v", err))
	}
	return nil
}

// MarshalManifest encodes m as a current-version manifest document.
func MarshalManifest(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return buf.Bytes(), nil
}
