package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// RenderSummary renders the human-readable SUMMARY.txt for m.
// The output is informational only; Decode never reads it back.
func RenderSummary(m *Manifest) string {
	var b strings.Builder
	c := m.Counts()

	name := "(unnamed)"
	if m.Project != nil && m.Project.Name != "" {
		name = m.Project.Name
	}
	fmt.Fprintf(&b, "Project: %s\n", name)
	if m.Project != nil && m.Project.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", m.Project.Description)
	}
	fmt.Fprintf(&b, "Exported: %s\n", m.ExportedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Format version: %d\n\n", m.FormatVersion)

	fmt.Fprintf(&b, "Audio files: %d (%d with audio)\n", c.AudioFiles, c.Payloads)
	fmt.Fprintf(&b, "Speakers:    %d\n", c.Speakers)
	fmt.Fprintf(&b, "Segments:    %d\n", c.Segments)
	fmt.Fprintf(&b, "Edits:       %d\n", c.Edits)

	if len(m.AudioFiles) > 0 {
		b.WriteString("\nFiles:\n")
	}
	for i := range m.AudioFiles {
		af := &m.AudioFiles[i]
		dur := time.Duration(af.DurationSec * float64(time.Second)).Round(time.Second)
		audio := "no audio"
		if af.HasPayload() {
			audio = humanize.IBytes(uint64(af.PayloadSize))
		}
		fmt.Fprintf(&b, "  %-8s %-40s %8s  %s", af.ID, af.OriginalFilename, dur, audio)
		if af.ParentRef != "" {
			fmt.Fprintf(&b, "  (chunk of %s)", af.ParentRef)
		}
		b.WriteString("\n")
	}

	if len(m.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range m.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w.Message)
		}
	}
	return b.String()
}
