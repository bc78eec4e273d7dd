// Package archive reads and writes portable project archives.
//
// An archive is a zip or tar.gz container holding:
//
//	manifest.yaml             the project graph with archive-local identifiers
//	audio/NNN_<id><.ext>      one entry per exported audio payload
//	SUMMARY.txt               human-readable overview, never parsed
//
// Archive-local identifiers ("af-1", "sg-3", ...) are only meaningful inside
// one manifest. The codec checks container structure and payload integrity;
// semantic checks belong to the validate package.
package archive

import (
	"time"
)

// Format versions. Decode upgrades older versions to the current schema.
const (
	FormatV1       = 1
	FormatV2       = 2
	CurrentVersion = FormatV2
)

// Entry names.
const (
	ManifestName = "manifest.yaml"
	SummaryName  = "SUMMARY.txt"
	AudioDir     = "audio/"
)

// Edit sources.
const (
	SourceManual = "manual"
	SourceAI     = "ai"
)

// WarningMissingSourceFile marks an audio file whose payload could not be
// read at export time.
const WarningMissingSourceFile = "missing_source_file"

// Manifest is the metadata document of an archive.
type Manifest struct {
	FormatVersion int         `yaml:"format_version"`
	ExportedAt    time.Time   `yaml:"exported_at"`
	Generator     string      `yaml:"generator,omitempty"`
	Project       *Project    `yaml:"project"`
	AudioFiles    []AudioFile `yaml:"audio_files"`
	Speakers      []Speaker   `yaml:"speakers"`
	Segments      []Segment   `yaml:"segments"`
	Edits         []Edit      `yaml:"edits"`
	Warnings      []Warning   `yaml:"warnings,omitempty"`
}

// Project is the root record. It carries no identifier of its own.
type Project struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	ContentType string    `yaml:"content_type,omitempty"`
	CreatedAt   time.Time `yaml:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// AudioFile describes one recording or chunk. Payload names the archive
// entry holding its audio; it is empty when MissingSourceFile is set.
type AudioFile struct {
	ID                string    `yaml:"id"`
	ParentRef         string    `yaml:"parent_ref,omitempty"`
	OriginalFilename  string    `yaml:"original_filename"`
	DurationSec       float64   `yaml:"duration_sec"`
	Status            string    `yaml:"status"`
	CreatedAt         time.Time `yaml:"created_at"`
	MissingSourceFile bool      `yaml:"missing_source_file,omitempty"`
	Payload           string    `yaml:"payload,omitempty"`
	PayloadSize       int64     `yaml:"payload_size,omitempty"`
	PayloadSHA256     string    `yaml:"payload_sha256,omitempty"`
}

// Speaker is a diarized voice in one audio file.
type Speaker struct {
	ID           string `yaml:"id"`
	AudioFileRef string `yaml:"audio_file_ref"`
	Name         string `yaml:"name"`
	Color        string `yaml:"color,omitempty"`
}

// Segment is one transcribed span.
type Segment struct {
	ID           string  `yaml:"id"`
	AudioFileRef string  `yaml:"audio_file_ref"`
	SpeakerRef   string  `yaml:"speaker_ref,omitempty"`
	Sequence     int     `yaml:"sequence"`
	StartTime    float64 `yaml:"start_time"`
	EndTime      float64 `yaml:"end_time"`
	OriginalText string  `yaml:"original_text"`
	EditedText   *string `yaml:"edited_text,omitempty"`
	IsPassive    bool    `yaml:"is_passive,omitempty"`
}

// Edit is one entry of a segment's text history.
type Edit struct {
	ID             string    `yaml:"id"`
	SegmentRef     string    `yaml:"segment_ref"`
	BeforeText     string    `yaml:"before_text"`
	AfterText      string    `yaml:"after_text"`
	Source         string    `yaml:"source"`
	CorrectionType *string   `yaml:"correction_type,omitempty"`
	CreatedAt      time.Time `yaml:"created_at"`
}

// Warning is a note recorded by the exporter.
type Warning struct {
	Code         string `yaml:"code" json:"code"`
	AudioFileRef string `yaml:"audio_file_ref,omitempty" json:"audio_file_ref,omitempty"`
	Message      string `yaml:"message" json:"message"`
}

// Counts holds entity counts per type.
type Counts struct {
	Projects   int `json:"projects" yaml:"projects"`
	AudioFiles int `json:"audio_files" yaml:"audio_files"`
	Speakers   int `json:"speakers" yaml:"speakers"`
	Segments   int `json:"segments" yaml:"segments"`
	Edits      int `json:"edits" yaml:"edits"`
	Payloads   int `json:"payloads" yaml:"payloads"`
}

// Counts returns the number of entities of each type in the manifest.
// Payloads counts audio files that reference a payload entry.
func (m *Manifest) Counts() Counts {
	c := Counts{
		AudioFiles: len(m.AudioFiles),
		Speakers:   len(m.Speakers),
		Segments:   len(m.Segments),
		Edits:      len(m.Edits),
	}
	if m.Project != nil {
		c.Projects = 1
	}
	for i := range m.AudioFiles {
		if m.AudioFiles[i].HasPayload() {
			c.Payloads++
		}
	}
	return c
}

// HasPayload reports whether the audio file expects a payload entry.
func (a *AudioFile) HasPayload() bool {
	return !a.MissingSourceFile && a.Payload != ""
}

// Clone returns a copy of the manifest that shares no slices with m.
func (m *Manifest) Clone() *Manifest {
	out := *m
	if m.Project != nil {
		p := *m.Project
		out.Project = &p
	}
	out.AudioFiles = append([]AudioFile(nil), m.AudioFiles...)
	out.Speakers = append([]Speaker(nil), m.Speakers...)
	out.Segments = append([]Segment(nil), m.Segments...)
	out.Edits = append([]Edit(nil), m.Edits...)
	out.Warnings = append([]Warning(nil), m.Warnings...)
	if m.AudioFiles != nil && out.AudioFiles == nil {
		out.AudioFiles = []AudioFile{}
	}
	return &out
}
