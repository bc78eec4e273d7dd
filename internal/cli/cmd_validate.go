package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
	"github.com/randalmurphal/scribe/internal/validate"
)

var styles = struct {
	title lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
	dim   lipgloss.Style
}{
	title: lipgloss.NewStyle().Bold(true),
	ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	err:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
}

// newValidateCmd creates the validate command
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <archive>",
		Short: "Check an archive without importing it",
		Long: `Decode an archive and check every reference, sequence, and time range in
its manifest. Nothing is written.

Errors make the archive unimportable. Warnings (missing audio, ignored
entries) do not block an import.

Exits non-zero when the archive is invalid.

Examples:
  scribe validate backup.zip
  scribe validate backup.tar.gz --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			report, _, err := s.svc.ValidateFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				renderReport(out, args[0], report)
			}

			if !report.IsValid {
				return scribeerrors.ErrValidationFailed(report.Fatal())
			}
			return nil
		},
	}

	return cmd
}

// renderReport prints a validation report for humans.
func renderReport(w io.Writer, name string, r *validate.Report) {
	verdict := styles.ok.Render("valid")
	if !r.IsValid {
		verdict = styles.err.Render("invalid")
	}
	_, _ = fmt.Fprintf(w, "%s %s (format v%d)\n", styles.title.Render(name), verdict, r.FormatVersion)

	c := r.Counts
	_, _ = fmt.Fprintf(w, "  %d audio files (%d with audio), %d speakers, %d segments, %d edits\n",
		c.AudioFiles, c.Payloads, c.Speakers, c.Segments, c.Edits)

	if len(r.Errors) > 0 {
		_, _ = fmt.Fprintf(w, "\n%s\n", styles.err.Render(fmt.Sprintf("Errors (%d)", len(r.Errors))))
		for _, p := range r.Errors {
			printProblem(w, p)
		}
	}
	if len(r.Warnings) > 0 {
		_, _ = fmt.Fprintf(w, "\n%s\n", styles.warn.Render(fmt.Sprintf("Warnings (%d)", len(r.Warnings))))
		for _, p := range r.Warnings {
			printProblem(w, p)
		}
	}
}

func printProblem(w io.Writer, p validate.Problem) {
	ref := p.Entity
	if p.Ref != "" {
		ref += " " + p.Ref
	}
	_, _ = fmt.Fprintf(w, "  %s %s\n", styles.dim.Render("["+ref+"]"), p.Message)
}
