package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/scribe/internal/api"
)

// newServeCmd creates the serve command for the HTTP entry points
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server for export, validate, and import.

Endpoints:
  GET  /api/projects                         list projects
  GET  /api/projects/{id}/export?format=zip  download an archive
  POST /api/imports/validate                 validate an uploaded archive
  POST /api/imports                          import an uploaded archive

Uploads may be multipart (a "file" part) or the raw archive bytes, and are
bounded by server.max_upload.

Example:
  scribe serve                        # listen on server.addr (127.0.0.1:8080)
  scribe serve --addr :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, flagBinding{key: "server.addr", flag: "addr"})
			if err != nil {
				return err
			}
			defer s.Close()

			server := api.New(s.svc, api.Config{
				Addr:      s.cfg.Server.Addr,
				MaxUpload: s.cfg.Server.MaxUploadBytes(),
				Logger:    s.logger,
			})

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s (Ctrl+C to stop)\n", s.cfg.Server.Addr)

			ctx, cancel := SetupSignalHandler(cmd.Context(), cmd.ErrOrStderr())
			defer cancel()
			return server.Run(ctx)
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")

	return cmd
}
