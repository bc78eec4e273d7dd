package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type projectOutput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AudioFiles  int    `json:"audio_files"`
	Segments    int    `json:"segments"`
	UpdatedAt   string `json:"updated_at"`
}

// newProjectsCmd creates the projects command
func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		Long: `List every project in the configured store with its audio file and
segment counts. Use it to find the ID to pass to 'scribe export' and to
confirm an import.

Example:
  scribe projects
  scribe projects --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			projects, err := s.svc.Projects(cmd.Context())
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				list := make([]projectOutput, 0, len(projects))
				for _, p := range projects {
					list = append(list, projectOutput{
						ID:          p.ID,
						Name:        p.Name,
						Description: p.Description,
						AudioFiles:  p.AudioFiles,
						Segments:    p.Segments,
						UpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339),
					})
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			if len(projects) == 0 {
				_, _ = fmt.Fprintln(out, "No projects. Import one with 'scribe import <archive>'.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tFILES\tSEGMENTS\tUPDATED")
			for _, p := range projects {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					p.ID, truncate(p.Name, 40), p.AudioFiles, p.Segments, humanize.Time(p.UpdatedAt))
			}
			return w.Flush()
		},
	}

	return cmd
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
