// Package validate decides whether a decoded archive may be imported.
//
// Validation never writes anything. Structural problems (format version,
// missing required blocks) stop validation early; semantic problems are
// all collected so one report lists every reason an archive is refused.
package validate

import (
	"fmt"
	"math"
	"sort"

	"github.com/randalmurphal/scribe/internal/archive"
)

// Problem codes.
const (
	CodeUnsupportedVersion = "unsupported_version"
	CodeMissingField       = "missing_field"
	CodeInvalidID          = "invalid_id"
	CodeDuplicateID        = "duplicate_id"
	CodeDanglingReference  = "dangling_reference"
	CodeParentCycle        = "parent_cycle"
	CodeSequenceGap        = "sequence_gap"
	CodeSequenceDuplicate  = "sequence_duplicate"
	CodeTimeRange          = "invalid_time_range"
	CodeTimeOverlap        = "time_overlap"
	CodeInvalidSource      = "invalid_source"

	CodeMissingSourceFile = "missing_source_file"
	CodeMissingPayload    = "missing_payload"
	CodeIgnoredPayload    = "ignored_payload"
	CodeOrphanEntry       = "orphan_entry"
)

// Entity kinds named in problems.
const (
	EntityManifest  = "manifest"
	EntityProject   = "project"
	EntityAudioFile = "audio_file"
	EntitySpeaker   = "speaker"
	EntitySegment   = "segment"
	EntityEdit      = "edit"
	EntityEntry     = "entry"
)

// Problem is one finding about an archive.
type Problem struct {
	Code    string `json:"code"`
	Entity  string `json:"entity"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	return p.Message
}

// Report is the outcome of validating one archive.
type Report struct {
	// IsValid is true only when Errors is empty.
	IsValid       bool           `json:"is_valid"`
	FormatVersion int            `json:"format_version"`
	Errors        []Problem      `json:"errors"`
	Warnings      []Problem      `json:"warnings"`
	Counts        archive.Counts `json:"counts"`
}

// Fatal returns the number of blocking problems.
func (r *Report) Fatal() int {
	return len(r.Errors)
}

type checker struct {
	report *Report
}

func (c *checker) fatal(code, entity, ref, format string, args ...any) {
	c.report.Errors = append(c.report.Errors, Problem{Code: code, Entity: entity, Ref: ref, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) warn(code, entity, ref, format string, args ...any) {
	c.report.Warnings = append(c.report.Warnings, Problem{Code: code, Entity: entity, Ref: ref, Message: fmt.Sprintf(format, args...)})
}

// Archive validates a decoded archive: its manifest plus the payloads that
// are actually present. The result depends only on the input, so
// validating the same archive twice yields identical reports.
func Archive(a *archive.Archive) *Report {
	r := Manifest(a.Manifest, a.Payloads)
	c := &checker{report: r}
	for _, name := range a.Orphans {
		c.warn(CodeOrphanEntry, EntityEntry, name, "entry %s is not referenced by the manifest and will be ignored", name)
	}
	return r
}

// Manifest validates m against payloads, keyed by the audio file IDs whose
// payload entry is present.
func Manifest(m *archive.Manifest, payloads map[string]*archive.Payload) *Report {
	r := &Report{Errors: []Problem{}, Warnings: []Problem{}}
	c := &checker{report: r}
	defer func() { r.IsValid = len(r.Errors) == 0 }()

	if m == nil {
		c.fatal(CodeMissingField, EntityManifest, "", "manifest is empty")
		return r
	}
	r.FormatVersion = m.FormatVersion
	r.Counts = m.Counts()

	// 1. Format version.
	switch {
	case m.FormatVersion > archive.CurrentVersion:
		c.fatal(CodeUnsupportedVersion, EntityManifest, "", "format version %d is newer than the supported version %d", m.FormatVersion, archive.CurrentVersion)
		return r
	case m.FormatVersion < archive.FormatV1:
		c.fatal(CodeUnsupportedVersion, EntityManifest, "", "format version %d is not a valid version", m.FormatVersion)
		return r
	}

	// 2. Required top-level blocks.
	if m.Project == nil {
		c.fatal(CodeMissingField, EntityProject, "", "manifest has no project block")
	}
	if m.AudioFiles == nil {
		c.fatal(CodeMissingField, EntityManifest, "", "manifest has no audio_files collection")
	}
	if len(r.Errors) > 0 {
		return r
	}

	// 3. Identifiers and referential closure.
	audio := indexIDs(c, EntityAudioFile, len(m.AudioFiles), func(i int) string { return m.AudioFiles[i].ID })
	speakers := indexIDs(c, EntitySpeaker, len(m.Speakers), func(i int) string { return m.Speakers[i].ID })
	segments := indexIDs(c, EntitySegment, len(m.Segments), func(i int) string { return m.Segments[i].ID })
	indexIDs(c, EntityEdit, len(m.Edits), func(i int) string { return m.Edits[i].ID })

	for _, af := range m.AudioFiles {
		if af.ParentRef == "" {
			continue
		}
		if af.ParentRef == af.ID {
			c.fatal(CodeParentCycle, EntityAudioFile, af.ID, "audio file %s is its own parent", af.ID)
		} else if !audio[af.ParentRef] {
			c.fatal(CodeDanglingReference, EntityAudioFile, af.ID, "audio file %s references missing parent %s", af.ID, af.ParentRef)
		}
	}
	checkParentCycles(c, m.AudioFiles)

	for _, s := range m.Speakers {
		if !audio[s.AudioFileRef] {
			c.fatal(CodeDanglingReference, EntitySpeaker, s.ID, "speaker %s references missing audio file %q", s.ID, s.AudioFileRef)
		}
	}

	danglingSegmentFile := false
	for _, s := range m.Segments {
		if !audio[s.AudioFileRef] {
			danglingSegmentFile = true
			c.fatal(CodeDanglingReference, EntitySegment, s.ID, "segment %s references missing audio file %q", s.ID, s.AudioFileRef)
		}
		if s.SpeakerRef != "" && !speakers[s.SpeakerRef] {
			c.fatal(CodeDanglingReference, EntitySegment, s.ID, "segment %s references missing speaker %q", s.ID, s.SpeakerRef)
		}
	}

	for _, e := range m.Edits {
		if !segments[e.SegmentRef] {
			c.fatal(CodeDanglingReference, EntityEdit, e.ID, "edit %s references missing segment %q", e.ID, e.SegmentRef)
		}
		if e.Source != archive.SourceManual && e.Source != archive.SourceAI {
			c.fatal(CodeInvalidSource, EntityEdit, e.ID, "edit %s has unknown source %q", e.ID, e.Source)
		}
	}

	// 4. Per-file sequence and time ranges. A segment pointing at a missing
	// file already produced an error; regrouping by file would only repeat it.
	for _, s := range m.Segments {
		if !validTime(s.StartTime) || !validTime(s.EndTime) {
			c.fatal(CodeTimeRange, EntitySegment, s.ID, "segment %s has an invalid time (start %v, end %v)", s.ID, s.StartTime, s.EndTime)
		} else if s.EndTime <= s.StartTime {
			c.fatal(CodeTimeRange, EntitySegment, s.ID, "segment %s ends at %v, not after its start %v", s.ID, s.EndTime, s.StartTime)
		}
	}
	if !danglingSegmentFile {
		checkSequences(c, m)
	}

	// 5. Payload completeness. These never block import.
	for _, af := range m.AudioFiles {
		_, present := payloads[af.ID]
		switch {
		case af.MissingSourceFile:
			c.warn(CodeMissingSourceFile, EntityAudioFile, af.ID, "audio file %s (%s) had no audio at export; it will be imported without audio", af.ID, af.OriginalFilename)
			if present {
				c.warn(CodeIgnoredPayload, EntityAudioFile, af.ID, "audio file %s is flagged missing but the archive has a payload for it; the payload will be ignored", af.ID)
			}
		case !present:
			c.warn(CodeMissingPayload, EntityAudioFile, af.ID, "audio file %s (%s) has no payload in the archive; it will be imported without audio", af.ID, af.OriginalFilename)
		}
	}
	return r
}

func validTime(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// indexIDs records every non-empty ID and reports empty and duplicate ones.
func indexIDs(c *checker, entity string, n int, id func(int) string) map[string]bool {
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		v := id(i)
		switch {
		case v == "":
			c.fatal(CodeInvalidID, entity, "", "%s #%d has an empty id", entity, i+1)
		case seen[v]:
			c.fatal(CodeDuplicateID, entity, v, "%s id %s appears more than once", entity, v)
		default:
			seen[v] = true
		}
	}
	return seen
}

// checkParentCycles walks each file's parent chain. The chunk lineage must
// be a forest; any chain that revisits a file is a cycle.
func checkParentCycles(c *checker, files []archive.AudioFile) {
	parent := make(map[string]string, len(files))
	for _, af := range files {
		if af.ID != "" && af.ParentRef != "" && af.ParentRef != af.ID {
			parent[af.ID] = af.ParentRef
		}
	}

	reported := make(map[string]bool)
	for _, af := range files {
		visited := map[string]bool{af.ID: true}
		for cur := parent[af.ID]; cur != ""; cur = parent[cur] {
			if visited[cur] {
				if !reported[cur] {
					reported[cur] = true
					c.fatal(CodeParentCycle, EntityAudioFile, af.ID, "audio file %s is part of a parent cycle through %s", af.ID, cur)
				}
				break
			}
			visited[cur] = true
		}
	}
}

// checkSequences verifies that each file's segments are numbered 0..n-1
// and that their time ranges do not overlap.
func checkSequences(c *checker, m *archive.Manifest) {
	byFile := make(map[string][]archive.Segment)
	var order []string
	for _, s := range m.Segments {
		if _, ok := byFile[s.AudioFileRef]; !ok {
			order = append(order, s.AudioFileRef)
		}
		byFile[s.AudioFileRef] = append(byFile[s.AudioFileRef], s)
	}

	for _, fileID := range order {
		segs := byFile[fileID]

		seqs := make(map[int]string, len(segs))
		for _, s := range segs {
			if prev, dup := seqs[s.Sequence]; dup {
				c.fatal(CodeSequenceDuplicate, EntitySegment, s.ID, "segment %s repeats sequence %d of segment %s in audio file %s", s.ID, s.Sequence, prev, fileID)
				continue
			}
			seqs[s.Sequence] = s.ID
		}
		for want := 0; want < len(segs); want++ {
			if _, ok := seqs[want]; !ok {
				c.fatal(CodeSequenceGap, EntityAudioFile, fileID, "audio file %s has no segment with sequence %d", fileID, want)
				break
			}
		}

		sorted := append([]archive.Segment(nil), segs...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].StartTime != sorted[j].StartTime {
				return sorted[i].StartTime < sorted[j].StartTime
			}
			return sorted[i].Sequence < sorted[j].Sequence
		})
		// reach is the segment ending latest among those already seen.
		if len(sorted) == 0 {
			continue
		}
		reach := sorted[0]
		for _, cur := range sorted[1:] {
			if cur.StartTime < reach.EndTime {
				c.fatal(CodeTimeOverlap, EntitySegment, cur.ID, "segment %s (%v-%v) overlaps segment %s (%v-%v)", cur.ID, cur.StartTime, cur.EndTime, reach.ID, reach.StartTime, reach.EndTime)
			}
			if cur.EndTime > reach.EndTime {
				reach = cur
			}
		}
	}
}
