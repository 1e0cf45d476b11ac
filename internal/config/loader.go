// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
)

// EnvPrefix starts every environment override key.
const EnvPrefix = "HLSFETCH_"

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// Loader handles configuration loading with precedence
// ENV > .env file > YAML file > defaults.
type Loader struct {
	configPath string
	envFile    string
	version    string
	// ConsumedEnvKeys records every key the loader looked at.
	ConsumedEnvKeys map[string]struct{}
	// lookupEnv is os.LookupEnv outside tests.
	lookupEnv lookupFunc
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithEnvFile overrides the .env path. An empty path disables .env loading.
func WithEnvFile(path string) LoaderOption {
	return func(l *Loader) { l.envFile = path }
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string, opts ...LoaderOption) *Loader {
	l := &Loader{
		configPath:      configPath,
		envFile:         DefaultEnvFile,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
		lookupEnv:       os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ConfigPath returns the YAML file the loader reads, if any.
func (l *Loader) ConfigPath() string { return l.configPath }

// Load loads configuration with precedence: ENV > .env > File > Defaults.
// It enforces Strict Validated Order: Parse File (Strict) -> Apply Env -> Validate
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	dotenv, err := l.readEnvFile()
	if err != nil {
		return cfg, fmt.Errorf("load env file: %w", err)
	}
	l.mergeEnv(&cfg, dotenv)

	cfg.Version = l.version
	normalize(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with STRICT parsing.
// Unknown fields will cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(p string, cfg *Config) error {
	p = filepath.Clean(p)

	ext := strings.ToLower(filepath.Ext(p))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) readEnvFile() (map[string]string, error) {
	if l.envFile == "" {
		return nil, nil
	}
	vals, err := godotenv.Read(l.envFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return vals, nil
}

// lookup consults the process environment first, then the .env values.
func (l *Loader) lookup(dotenv map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		l.ConsumedEnvKeys[key] = struct{}{}
		if v, ok := l.lookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func (l *Loader) mergeEnv(cfg *Config, dotenv map[string]string) {
	r := envReader{lookup: l.lookup(dotenv), logger: xlog.WithComponent("config")}
	k := func(s string) string { return EnvPrefix + s }

	cfg.LogLevel = r.String(k("LOG_LEVEL"), cfg.LogLevel)

	cfg.FTP.Host = r.String(k("FTP_HOST"), cfg.FTP.Host)
	cfg.FTP.Port = r.Int(k("FTP_PORT"), cfg.FTP.Port)
	cfg.FTP.Username = r.String(k("FTP_USERNAME"), cfg.FTP.Username)
	cfg.FTP.Password = r.String(k("FTP_PASSWORD"), cfg.FTP.Password)
	cfg.FTP.BasePath = r.String(k("FTP_BASE_PATH"), cfg.FTP.BasePath)
	cfg.FTP.Timeout = r.Duration(k("FTP_TIMEOUT"), cfg.FTP.Timeout)

	cfg.HLS.DirSuffix = r.String(k("HLS_DIR_SUFFIX"), cfg.HLS.DirSuffix)
	cfg.HLS.Manifest = r.String(k("HLS_MANIFEST"), cfg.HLS.Manifest)
	cfg.HLS.Cover = r.String(k("HLS_COVER"), cfg.HLS.Cover)
	cfg.HLS.FirstFrame = r.String(k("HLS_FIRST_FRAME"), cfg.HLS.FirstFrame)
	cfg.HLS.Thumbnail = r.String(k("HLS_THUMBNAIL"), cfg.HLS.Thumbnail)

	cfg.Download.PreviewSeconds = r.Float(k("DOWNLOAD_PREVIEW_SECONDS"), cfg.Download.PreviewSeconds)
	cfg.Download.MultiThread = r.Bool(k("DOWNLOAD_MULTI_THREAD"), cfg.Download.MultiThread)
	cfg.Download.MaxWorkers = r.Int(k("DOWNLOAD_MAX_WORKERS"), cfg.Download.MaxWorkers)
	cfg.Download.DialRate = r.Float(k("DOWNLOAD_DIAL_RATE"), cfg.Download.DialRate)

	cfg.Cache.Root = r.String(k("CACHE_ROOT"), cfg.Cache.Root)
	cfg.Cache.Prefix = r.String(k("CACHE_PREFIX"), cfg.Cache.Prefix)
	cfg.Cache.MaxDirs = r.Int(k("CACHE_MAX_DIRS"), cfg.Cache.MaxDirs)
	cfg.Cache.AutoClean = r.Bool(k("CACHE_AUTO_CLEAN"), cfg.Cache.AutoClean)
	cfg.Cache.CleanupOnExit = r.Bool(k("CACHE_CLEANUP_ON_EXIT"), cfg.Cache.CleanupOnExit)
	cfg.Cache.ListingTTL = r.Duration(k("CACHE_LISTING_TTL"), cfg.Cache.ListingTTL)
	cfg.Cache.RedisAddr = r.String(k("CACHE_REDIS_ADDR"), cfg.Cache.RedisAddr)

	cfg.Monitor.RetryDelay = r.Duration(k("MONITOR_RETRY_DELAY"), cfg.Monitor.RetryDelay)

	cfg.Browse.FilterIDDirs = r.Bool(k("BROWSE_FILTER_ID_DIRS"), cfg.Browse.FilterIDDirs)
	cfg.Browse.ShowOnlyIDFolders = r.Bool(k("BROWSE_SHOW_ONLY_ID_FOLDERS"), cfg.Browse.ShowOnlyIDFolders)

	cfg.API.Listen = r.String(k("API_LISTEN"), cfg.API.Listen)
	cfg.API.RateLimit = r.Int(k("API_RATE_LIMIT"), cfg.API.RateLimit)

	cfg.Telemetry.Enabled = r.Bool(k("TELEMETRY_ENABLED"), cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = r.String(k("TELEMETRY_EXPORTER"), cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = r.String(k("TELEMETRY_ENDPOINT"), cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = r.Float(k("TELEMETRY_SAMPLING_RATE"), cfg.Telemetry.SamplingRate)
}

// normalize cleans paths and case-folds enum-like values.
func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.FTP.Host = strings.TrimSpace(cfg.FTP.Host)
	if bp := strings.TrimSpace(cfg.FTP.BasePath); bp != "" {
		bp = strings.ReplaceAll(bp, "\\", "/")
		if !strings.HasPrefix(bp, "/") {
			bp = "/" + bp
		}
		cfg.FTP.BasePath = path.Clean(bp)
	}
	if cfg.Cache.Root != "" {
		if abs, err := filepath.Abs(cfg.Cache.Root); err == nil {
			cfg.Cache.Root = abs
		}
	}
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
}

// LoadFile loads a YAML config file over the defaults without applying env
// overrides or validation.
func LoadFile(p string) (Config, error) {
	cfg := Defaults()
	err := NewLoader(p, "").loadFile(p, &cfg)
	return cfg, err
}
