// Package config loads server settings from a YAML file, then applies
// AGRI_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	Addr    string `yaml:"addr" env:"ADDR"`
	DevMode bool   `yaml:"dev_mode" env:"DEV_MODE"`
	// StagingDir receives uploads until they are imported.
	StagingDir      string        `yaml:"staging_dir" env:"STAGING_DIR"`
	MaxUploadMB     int64         `yaml:"max_upload_mb" env:"MAX_UPLOAD_MB"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CSVEncoding is the charset of uploaded CSV files; empty means UTF-8.
	CSVEncoding string `yaml:"csv_encoding" env:"CSV_ENCODING"`

	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type StorageConfig struct {
	// Backend is "sqlite" or "mongo".
	Backend  string `yaml:"backend" env:"BACKEND"`
	DataDir  string `yaml:"data_dir" env:"DATA_DIR"`
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:            ":8430",
		StagingDir:      "uploads",
		MaxUploadMB:     32,
		ShutdownTimeout: 10 * time.Second,
		Log:             LogConfig{Level: "info", Format: "text"},
		Storage:         StorageConfig{Backend: "sqlite", DataDir: "data"},
	}
}

// Load reads path over the defaults, then the environment. A missing file is
// not an error; found reports whether it existed.
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, found, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, false, fmt.Errorf("read config: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "AGRI_"}); err != nil {
		return cfg, found, fmt.Errorf("config environment: %w", err)
	}
	return cfg, found, cfg.Validate()
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DataDir == "" {
			return errors.New("config: storage.data_dir is required for the sqlite backend")
		}
	case "mongo":
		if c.Storage.MongoURI == "" {
			return errors.New("config: storage.mongo_uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("config: unknown storage.backend %q (want sqlite or mongo)", c.Storage.Backend)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("config: max_upload_mb must be positive, got %d", c.MaxUploadMB)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("config: unknown log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
