// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads, validates and hot-reloads the hlsfetch configuration.
package config

import (
	"os"
	"time"

	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	"github.com/ManuGH/hlsfetch/internal/telemetry"
	"github.com/ManuGH/hlsfetch/internal/transfer"
)

// Config is the complete runtime configuration. The YAML layout mirrors the
// struct tags; every key can be overridden by an HLSFETCH_* variable.
type Config struct {
	LogLevel  string          `yaml:"logLevel"`
	FTP       FTPConfig       `yaml:"ftp"`
	HLS       HLSConfig       `yaml:"hls"`
	Download  DownloadConfig  `yaml:"download"`
	Cache     CacheConfig     `yaml:"cache"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Browse    BrowseConfig    `yaml:"browse"`
	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Version is the binary version, set by the loader.
	Version string `yaml:"-"`
}

// FTPConfig describes the remote server. An empty Host is valid and keeps the
// connection monitor idle until one is configured.
type FTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	BasePath string        `yaml:"basePath"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HLSConfig names the files that make up one remote HLS asset.
type HLSConfig struct {
	DirSuffix  string `yaml:"dirSuffix"`
	Manifest   string `yaml:"manifest"`
	Cover      string `yaml:"cover"`
	FirstFrame string `yaml:"firstFrame"`
	Thumbnail  string `yaml:"thumbnail"`
}

// DownloadConfig controls materialization.
type DownloadConfig struct {
	PreviewSeconds float64 `yaml:"previewSeconds"`
	MultiThread    bool    `yaml:"multiThread"`
	MaxWorkers     int     `yaml:"maxWorkers"`
	DialRate       float64 `yaml:"dialRate"`
}

// CacheConfig controls the local cache directories and the listing cache.
type CacheConfig struct {
	Root          string        `yaml:"root"`
	Prefix        string        `yaml:"prefix"`
	MaxDirs       int           `yaml:"maxDirs"`
	AutoClean     bool          `yaml:"autoClean"`
	CleanupOnExit bool          `yaml:"cleanupOnExit"`
	ListingTTL    time.Duration `yaml:"listingTTL"`
	RedisAddr     string        `yaml:"redisAddr"`
}

// MonitorConfig controls the connection retry loop.
type MonitorConfig struct {
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// BrowseConfig toggles the browse tree folder filters.
type BrowseConfig struct {
	FilterIDDirs      bool `yaml:"filterIDDirs"`
	ShowOnlyIDFolders bool `yaml:"showOnlyIDFolders"`
}

// APIConfig controls the local control API.
type APIConfig struct {
	Listen    string `yaml:"listen"`
	RateLimit int    `yaml:"rateLimit"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		FTP: FTPConfig{
			Port:    ftp.DefaultPort,
			Timeout: ftp.DefaultTimeout,
		},
		HLS: HLSConfig{
			DirSuffix:  "_hls",
			Manifest:   transfer.DefaultManifestName,
			Cover:      "cover.jpg",
			FirstFrame: "first_frame.jpg",
			Thumbnail:  "thumbnail.jpg",
		},
		Download: DownloadConfig{
			PreviewSeconds: 30,
			MaxWorkers:     transfer.DefaultMaxWorkers,
			DialRate:       transfer.DefaultDialRate,
		},
		Cache: CacheConfig{
			Root:          os.TempDir(),
			Prefix:        cachedir.DefaultPrefix,
			MaxDirs:       5,
			AutoClean:     true,
			CleanupOnExit: true,
			ListingTTL:    30 * time.Second,
		},
		Monitor: MonitorConfig{RetryDelay: 5 * time.Second},
		API: APIConfig{
			Listen:    "127.0.0.1:8089",
			RateLimit: 120,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			SamplingRate: 1.0,
		},
	}
}

// Endpoint returns the FTP endpoint described by the configuration.
func (c Config) Endpoint() ftp.Endpoint {
	return ftp.Endpoint{
		Host:     c.FTP.Host,
		Port:     c.FTP.Port,
		Username: c.FTP.Username,
		Password: c.FTP.Password,
		BasePath: c.FTP.BasePath,
	}
}

// CacheSettings returns the cache directory settings.
func (c Config) CacheSettings() cachedir.Settings {
	return cachedir.Settings{
		Root:    c.Cache.Root,
		Prefix:  c.Cache.Prefix,
		MaxDirs: c.Cache.MaxDirs,
	}
}

// SchedulerOptions returns the transfer scheduler options.
func (c Config) SchedulerOptions() transfer.Options {
	return transfer.Options{
		MaxWorkers: c.Download.MaxWorkers,
		DialRate:   c.Download.DialRate,
	}
}

// PreviewNames returns the preview image names.
func (c Config) PreviewNames() transfer.PreviewNames {
	return transfer.PreviewNames{
		Cover:      c.HLS.Cover,
		FirstFrame: c.HLS.FirstFrame,
		Thumbnail:  c.HLS.Thumbnail,
	}
}

// TracingConfig returns the telemetry provider configuration.
func (c Config) TracingConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    telemetry.DefaultServiceName,
		ServiceVersion: c.Version,
		ExporterType:   c.Telemetry.Exporter,
		Endpoint:       c.Telemetry.Endpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
	}
}

// Redacted returns a copy safe for logging and API responses.
func (c Config) Redacted() Config {
	if c.FTP.Password != "" {
		c.FTP.Password = "***"
	}
	return c
}
