package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ".scribe/scribe.db", cfg.Database.DSN)
	assert.Equal(t, ".scribe/blobs", cfg.Storage.Root)
	assert.Equal(t, FormatZip, cfg.Archive.Format)
	assert.Equal(t, int64(2<<30), cfg.Archive.MaxArchiveBytes())
	assert.Equal(t, int64(1<<30), cfg.Archive.MaxEntryBytes())
	assert.Equal(t, int64(64<<20), cfg.Archive.MaxManifestBytes())
	assert.Equal(t, int64(2<<30), cfg.Server.MaxUploadBytes())
	assert.Equal(t, 30*time.Second, cfg.Import.TimeoutBase)
	assert.Equal(t, 2*time.Second, cfg.Import.TimeoutPerMB)
	assert.True(t, cfg.Import.StrictPayloads)
	assert.Equal(t, 4, cfg.Export.Concurrency)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://localhost/scribe
archive:
  format: tar.gz
  max_entry_size: 10MiB
import:
  timeout_base: 5s
  strict_payloads: false
`), 0644))

	cfg, err := Load(NewViper(path))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/scribe", cfg.Database.DSN)
	assert.Equal(t, FormatTarGz, cfg.Archive.Format)
	assert.Equal(t, int64(10<<20), cfg.Archive.MaxEntryBytes())
	assert.Equal(t, 5*time.Second, cfg.Import.TimeoutBase)
	assert.False(t, cfg.Import.StrictPayloads)
	assert.Equal(t, int64(2<<30), cfg.Archive.MaxArchiveBytes(), "unset keys keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("export:\n  concurrency: 2\n"), 0644))
	t.Setenv("SCRIBE_EXPORT_CONCURRENCY", "8")
	t.Setenv("SCRIBE_IMPORT_TIMEOUT_PER_MB", "500ms")

	cfg, err := Load(NewViper(path))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Export.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Import.TimeoutPerMB)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SCRIBE_LOG_FORMAT=json\n"), 0644))
	t.Setenv("SCRIBE_LOG_FORMAT", "")
	require.NoError(t, os.Unsetenv("SCRIBE_LOG_FORMAT"))

	require.NoError(t, LoadDotEnv(path))
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	cfg, err := Decode(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"unknown driver", "database.driver", "mysql"},
		{"empty dsn", "database.dsn", ""},
		{"bad format", "archive.format", "rar"},
		{"bad size", "archive.max_size", "lots"},
		{"zero size", "server.max_upload", "0"},
		{"zero timeout", "import.timeout_base", "0s"},
		{"no workers", "export.concurrency", 0},
		{"bad log format", "log.format", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			SetDefaults(v)
			v.Set(tt.key, tt.value)

			_, err := Decode(v)
			require.Error(t, err)
			assert.True(t, scribeerrors.HasCode(err, scribeerrors.CodeConfigInvalid))
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestImportBudget(t *testing.T) {
	t.Parallel()
	ic := ImportConfig{TimeoutBase: 10 * time.Second, TimeoutPerMB: time.Second}

	assert.Equal(t, 10*time.Second, ic.ImportBudget(0))
	assert.Equal(t, 11*time.Second, ic.ImportBudget(1))
	assert.Equal(t, 11*time.Second, ic.ImportBudget(1<<20))
	assert.Equal(t, 13*time.Second, ic.ImportBudget(3<<20-5))
}
