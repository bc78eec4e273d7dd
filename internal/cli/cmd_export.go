package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/scribe/internal/archive"
)

// newExportCmd creates the export command
func newExportCmd() *cobra.Command {
	var output string
	var format string

	cmd := &cobra.Command{
		Use:   "export <project-id>",
		Short: "Export a project to a portable archive",
		Long: `Export one project, with its audio files, speakers, segments, and edit
history, to a single archive.

The container is chosen by --format, then by the extension of --output,
then by archive.format in the config (default zip). The archive is written
to a temp file next to the destination and renamed into place when
complete, so a failed export never leaves a partial file.

Audio files whose source audio is gone are still exported. They are flagged
in the manifest and listed in the warnings below.

Examples:
  scribe export 3f2a...                     # writes project-3f2a....zip
  scribe export 3f2a... -o backup.tar.gz    # tar.gz by extension
  scribe export 3f2a... --format tar.gz     # project-3f2a....tar.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if format == "" && output != "" {
				format = archive.FormatFromPath(output)
			}
			if format == "" {
				format = s.cfg.Archive.Format
			}
			format, err = archive.ParseFormat(format)
			if err != nil {
				return err
			}
			if output == "" {
				output = defaultExportName(projectID, format)
			}

			ctx, cancel := SetupSignalHandler(cmd.Context(), cmd.ErrOrStderr())
			defer cancel()

			m, err := s.svc.ExportFile(ctx, output, projectID, format)
			if err != nil {
				return err
			}

			size, err := fileSize(s, output)
			if err != nil {
				return err
			}
			return printExport(cmd, output, format, size, m)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default project-<id>.<ext>)")
	cmd.Flags().StringVar(&format, "format", "", "archive format: zip or tar.gz")

	return cmd
}

func defaultExportName(projectID, format string) string {
	if format == archive.FormatTarGz {
		return "project-" + projectID + ".tar.gz"
	}
	return "project-" + projectID + ".zip"
}

func fileSize(s *session, path string) (int64, error) {
	f, size, err := s.svc.OpenFile(path)
	if err != nil {
		return 0, err
	}
	_ = f.Close()
	return size, nil
}

type exportOutput struct {
	Path     string            `json:"path"`
	Format   string            `json:"format"`
	Bytes    int64             `json:"bytes"`
	Counts   archive.Counts    `json:"counts"`
	Warnings []archive.Warning `json:"warnings,omitempty"`
}

func printExport(cmd *cobra.Command, path, format string, size int64, m *archive.Manifest) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(exportOutput{
			Path:     path,
			Format:   format,
			Bytes:    size,
			Counts:   m.Counts(),
			Warnings: m.Warnings,
		})
	}

	c := m.Counts()
	_, _ = fmt.Fprintf(out, "Exported %s (%s, %s)\n", path, format, humanize.IBytes(uint64(size)))
	_, _ = fmt.Fprintf(out, "  %d audio files (%d with audio), %d speakers, %d segments, %d edits\n",
		c.AudioFiles, c.Payloads, c.Speakers, c.Segments, c.Edits)
	for _, w := range m.Warnings {
		_, _ = fmt.Fprintf(out, "  %s %s: %s\n", styles.warn.Render("warning"), w.AudioFileRef, w.Message)
	}
	return nil
}
