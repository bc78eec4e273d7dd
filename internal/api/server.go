package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/randalmurphal/scribe/internal/transfer"
)

// Server is the scribe HTTP server.
type Server struct {
	addr      string
	router    chi.Router
	svc       *transfer.Service
	maxUpload int64
	fs        afero.Fs
	tempDir   string
	logger    *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Addr string
	// MaxUpload bounds request bodies of the import endpoints.
	MaxUpload int64
	// Fs and TempDir locate spooled uploads and exports. Default to the OS
	// temp directory.
	Fs      afero.Fs
	TempDir string
	Logger  *slog.Logger
}

// New creates a server over svc.
func New(svc *transfer.Service, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	s := &Server{
		addr:      cfg.Addr,
		router:    chi.NewRouter(),
		svc:       svc,
		maxUpload: cfg.MaxUpload,
		fs:        cfg.Fs,
		tempDir:   cfg.TempDir,
		logger:    cfg.Logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/projects", s.handleListProjects)
		r.Get("/projects/{id}/export", s.handleExport)
		r.Post("/imports/validate", s.handleValidate)
		r.Post("/imports", s.handleImport)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
