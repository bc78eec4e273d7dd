// Package config provides configuration management for scribe.
//
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. .env in the working directory (exported into the process environment)
//  3. Config file (scribe.yaml in ., .scribe/ or ~/.scribe/, or --config)
//  4. Environment variables (SCRIBE_*)
//  5. Command-line flags bound by the CLI
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
)

const (
	// ConfigName is the config file name without extension.
	ConfigName = "scribe"
	// ScribeDir is the per-workspace state directory.
	ScribeDir = ".scribe"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SCRIBE"
)

// Archive container formats.
const (
	FormatZip   = "zip"
	FormatTarGz = "tar.gz"
)

// Config is the full scribe configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Import   ImportConfig   `mapstructure:"import"`
	Export   ExportConfig   `mapstructure:"export"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `mapstructure:"driver"`
	// DSN is the SQLite file path or the PostgreSQL connection string.
	DSN string `mapstructure:"dsn"`
}

// StorageConfig locates the audio blob store.
type StorageConfig struct {
	Root string `mapstructure:"root"`
}

// ArchiveConfig bounds untrusted archives. Sizes accept humanized values
// such as "64MiB" or "2GB".
type ArchiveConfig struct {
	Format          string `mapstructure:"format"`
	MaxSize         string `mapstructure:"max_size"`
	MaxEntrySize    string `mapstructure:"max_entry_size"`
	MaxManifestSize string `mapstructure:"max_manifest_size"`
}

// ImportConfig tunes the import orchestrator.
type ImportConfig struct {
	// TimeoutBase plus TimeoutPerMB per MiB of payload bounds one import.
	TimeoutBase  time.Duration `mapstructure:"timeout_base"`
	TimeoutPerMB time.Duration `mapstructure:"timeout_per_mb"`
	// StrictPayloads aborts the import when a payload cannot be stored.
	// When false the file is imported without audio and a warning is raised.
	StrictPayloads bool `mapstructure:"strict_payloads"`
}

// ExportConfig tunes the export assembler.
type ExportConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP entry points.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	MaxUpload string `mapstructure:"max_upload"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", ScribeDir+"/scribe.db")
	v.SetDefault("storage.root", ScribeDir+"/blobs")
	v.SetDefault("archive.format", FormatZip)
	v.SetDefault("archive.max_size", "2GiB")
	v.SetDefault("archive.max_entry_size", "1GiB")
	v.SetDefault("archive.max_manifest_size", "64MiB")
	v.SetDefault("import.timeout_base", 30*time.Second)
	v.SetDefault("import.timeout_per_mb", 2*time.Second)
	v.SetDefault("import.strict_payloads", true)
	v.SetDefault("export.concurrency", 4)
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.max_upload", "2GiB")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Decode(v)
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// NewViper returns a viper instance with defaults, search paths, and env
// binding applied. If cfgFile is non-empty it is used instead of searching.
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ScribeDir)
		v.AddConfigPath("$HOME/" + ScribeDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv exports variables from path into the process environment.
// Variables already set are left alone. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// Load reads the config file (if any) into v and decodes it.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode unmarshals v into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field that has a closed set of values or a format.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pg", "pgx":
	default:
		return scribeerrors.ErrConfigInvalid("database.driver", fmt.Sprintf("unknown driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		return scribeerrors.ErrConfigInvalid("database.dsn", "must not be empty")
	}
	if c.Storage.Root == "" {
		return scribeerrors.ErrConfigInvalid("storage.root", "must not be empty")
	}
	if c.Archive.Format != FormatZip && c.Archive.Format != FormatTarGz {
		return scribeerrors.ErrConfigInvalid("archive.format", fmt.Sprintf("must be %q or %q", FormatZip, FormatTarGz))
	}
	for field, val := range map[string]string{
		"archive.max_size":          c.Archive.MaxSize,
		"archive.max_entry_size":    c.Archive.MaxEntrySize,
		"archive.max_manifest_size": c.Archive.MaxManifestSize,
		"server.max_upload":         c.Server.MaxUpload,
	} {
		if _, err := parseSize(val); err != nil {
			return scribeerrors.ErrConfigInvalid(field, err.Error())
		}
	}
	if c.Import.TimeoutBase <= 0 {
		return scribeerrors.ErrConfigInvalid("import.timeout_base", "must be positive")
	}
	if c.Import.TimeoutPerMB < 0 {
		return scribeerrors.ErrConfigInvalid("import.timeout_per_mb", "must not be negative")
	}
	if c.Export.Concurrency < 1 {
		return scribeerrors.ErrConfigInvalid("export.concurrency", "must be at least 1")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return scribeerrors.ErrConfigInvalid("log.format", "must be text or json")
	}
	return nil
}

// MaxArchiveBytes returns archive.max_size in bytes.
func (a ArchiveConfig) MaxArchiveBytes() int64 { return mustSize(a.MaxSize) }

// MaxEntryBytes returns archive.max_entry_size in bytes.
func (a ArchiveConfig) MaxEntryBytes() int64 { return mustSize(a.MaxEntrySize) }

// MaxManifestBytes returns archive.max_manifest_size in bytes.
func (a ArchiveConfig) MaxManifestBytes() int64 { return mustSize(a.MaxManifestSize) }

// MaxUploadBytes returns server.max_upload in bytes.
func (s ServerConfig) MaxUploadBytes() int64 { return mustSize(s.MaxUpload) }

// ImportBudget returns the wall-clock budget for importing payloadBytes.
func (i ImportConfig) ImportBudget(payloadBytes int64) time.Duration {
	mb := (payloadBytes + humanize.MiByte - 1) / humanize.MiByte
	return i.TimeoutBase + time.Duration(mb)*i.TimeoutPerMB
}

func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}

// mustSize is only called on validated configs.
func mustSize(s string) int64 {
	n, err := parseSize(s)
	if err != nil {
		return 0
	}
	return n
}
