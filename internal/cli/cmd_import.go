package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
	"github.com/randalmurphal/scribe/internal/importer"
	"github.com/randalmurphal/scribe/internal/transfer"
)

// stdinIsTerminal reports whether the import prompt can be shown.
var stdinIsTerminal = func() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newImportCmd creates the import command
func newImportCmd() *cobra.Command {
	var name string
	var description string
	var dryRun bool
	var yes bool

	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Import an archive as a new project",
		Long: `Import a zip or tar.gz archive as a new project.

The archive is validated first. If it has errors nothing is written. If it
only has warnings (for example audio files exported without their audio),
the report is shown and, on a terminal, you are asked to confirm.

Every entity gets a fresh identifier, so importing the same archive twice
creates two independent projects. The import is all or nothing: on any
failure no project, row, or stored audio from it remains.

Examples:
  scribe import backup.zip
  scribe import backup.zip --name "Interview (restored)"
  scribe import backup.tar.gz --dry-run     # validate and report only
  scribe import backup.zip --yes            # do not prompt on warnings`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			f, size, err := s.svc.OpenFile(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			report, a, err := s.svc.Validate(cmd.Context(), f, size)
			if err != nil {
				return err
			}
			if !jsonOut {
				renderReport(cmd.OutOrStdout(), path, report)
			}
			if !report.IsValid {
				return scribeerrors.ErrValidationFailed(report.Fatal())
			}

			if len(report.Warnings) > 0 && !yes && !dryRun && !jsonOut && stdinIsTerminal() {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Import with warnings?")
				if err != nil {
					return err
				}
				if !ok {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Import cancelled.")
					return nil
				}
			}

			ctx, cancel := SetupSignalHandler(cmd.Context(), cmd.ErrOrStderr())
			defer cancel()

			res, err := s.svc.ImportArchive(ctx, a, transfer.ImportOptions{
				Name:        name,
				Description: description,
				DryRun:      dryRun,
				OnTransition: func(from, to importer.State) {
					s.logger.Debug("import state", "from", from, "to", to, "archive", path)
				},
			})
			if err != nil {
				return err
			}
			return printImport(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name for the new project (default: the archived name)")
	cmd.Flags().StringVar(&description, "description", "", "description for the new project")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only, write nothing")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "import without asking when there are warnings")

	return cmd
}

// confirm asks a y/N question on out and reads the answer from in.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	_, _ = fmt.Fprintf(out, "\n%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func printImport(out io.Writer, res *importer.Result) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if res.DryRun {
		_, _ = fmt.Fprintf(out, "\n%s nothing was written.\n", styles.ok.Render("Dry run:"))
		return nil
	}
	c := res.Counts
	_, _ = fmt.Fprintf(out, "\n%s project %s\n", styles.ok.Render("Imported"), res.ProjectID)
	_, _ = fmt.Fprintf(out, "  %d audio files (%d with audio), %d speakers, %d segments, %d edits\n",
		c.AudioFiles, c.Payloads, c.Speakers, c.Segments, c.Edits)
	for _, w := range res.Warnings {
		if w.Code == importer.WarningPayloadNotStored {
			printProblem(out, w)
		}
	}
	return nil
}
