// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"strings"

	"github.com/ManuGH/hlsfetch/internal/ftp"
	"github.com/ManuGH/hlsfetch/internal/validate"
)

// Validate validates a Config using the centralized validation package.
// A missing FTP host is valid.
func Validate(cfg Config) error {
	v := validate.New()

	v.LogLevel("logLevel", cfg.LogLevel)

	if strings.TrimSpace(cfg.FTP.Host) != "" {
		if _, err := ftp.NormalizeHost(cfg.FTP.Host); err != nil {
			v.AddError("ftp.host", "must be a host name or IP address", cfg.FTP.Host)
		}
	}
	v.Port("ftp.port", cfg.FTP.Port)
	v.RemotePath("ftp.basePath", cfg.FTP.BasePath)
	v.PositiveDuration("ftp.timeout", cfg.FTP.Timeout)

	v.NotEmpty("hls.dirSuffix", cfg.HLS.DirSuffix)
	v.FileName("hls.manifest", cfg.HLS.Manifest)
	v.FileName("hls.cover", cfg.HLS.Cover)
	v.FileName("hls.firstFrame", cfg.HLS.FirstFrame)
	v.FileName("hls.thumbnail", cfg.HLS.Thumbnail)

	v.FloatRange("download.previewSeconds", cfg.Download.PreviewSeconds, 0, 24*3600)
	v.Range("download.maxWorkers", cfg.Download.MaxWorkers, 1, 64)
	v.FloatRange("download.dialRate", cfg.Download.DialRate, 0, 1000)

	v.AbsoluteDir("cache.root", cfg.Cache.Root)
	v.NotEmpty("cache.prefix", cfg.Cache.Prefix)
	if strings.ContainsAny(cfg.Cache.Prefix, `/\`) {
		v.AddError("cache.prefix", "must not contain path separators", cfg.Cache.Prefix)
	}
	v.Positive("cache.maxDirs", cfg.Cache.MaxDirs)
	if cfg.Cache.ListingTTL < 0 {
		v.AddError("cache.listingTTL", "duration cannot be negative", cfg.Cache.ListingTTL)
	}

	v.PositiveDuration("monitor.retryDelay", cfg.Monitor.RetryDelay)

	v.ListenAddr("api.listen", cfg.API.Listen)
	v.NonNegative("api.rateLimit", cfg.API.RateLimit)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.FloatRange("telemetry.samplingRate", cfg.Telemetry.SamplingRate, 0, 1)
	}

	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
