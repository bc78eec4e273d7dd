// Package cli implements the scribe command-line interface.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/scribe/internal/config"
	"github.com/randalmurphal/scribe/internal/storage"
	"github.com/randalmurphal/scribe/internal/transfer"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

// newRootCmd builds the command tree. Flags are rebound on every call so
// tests can run commands one after another.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scribe",
		Short: "Export and import transcription projects",
		Long: `scribe moves transcription projects between installations.

A project (its audio files, speakers, segments, and edit history) is packed
into a single portable archive and can be restored elsewhere as a new project.

Quick start:
  scribe projects                      List projects with entity counts
  scribe export <project-id>           Write project-<id>.zip
  scribe validate backup.zip           Check an archive without importing
  scribe import backup.zip             Restore it as a new project
  scribe serve                         Start the HTTP entry points`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./scribe.yaml or .scribe/scribe.yaml)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newProjectsCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// Execute runs the root command and prints any error to stderr.
func Execute() error {
	cmd := newRootCmd()
	err := cmd.Execute()
	if err != nil {
		PrintError(cmd.ErrOrStderr(), err)
	}
	return err
}

// flagBinding ties a config key to a command flag.
type flagBinding struct {
	key  string
	flag string
}

// loadViper returns the layered config source for cmd. The config file is
// read by config.Load.
func loadViper(cmd *cobra.Command, binds ...flagBinding) (*viper.Viper, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	v := config.NewViper(cfgFile)
	for _, b := range binds {
		if f := cmd.Flags().Lookup(b.flag); f != nil {
			if err := v.BindPFlag(b.key, f); err != nil {
				return nil, fmt.Errorf("bind --%s: %w", b.flag, err)
			}
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command, binds ...flagBinding) (*config.Config, error) {
	v, err := loadViper(cmd, binds...)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}

// newLogger builds the slog handler named by cfg.Log. --verbose wins over
// the configured level.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// session is what every data command needs: config, a backend, and the
// transfer service over it.
type session struct {
	cfg     *config.Config
	backend storage.Backend
	svc     *transfer.Service
	logger  *slog.Logger
}

func openSession(cmd *cobra.Command, binds ...flagBinding) (*session, error) {
	cfg, err := loadConfig(cmd, binds...)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

	backend, err := storage.NewBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	logger.Debug("storage opened", "driver", cfg.Database.Driver, "blob_root", cfg.Storage.Root)

	return &session{
		cfg:     cfg,
		backend: backend,
		svc:     transfer.New(backend, cfg, transfer.WithLogger(logger)),
		logger:  logger,
	}, nil
}

func (s *session) Close() {
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("close storage", "error", err)
	}
}
