// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/ManuGH/hlsfetch/internal/config"
	"github.com/ManuGH/hlsfetch/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Str("event", "startup.checks_begin").Msg("running pre-flight startup checks")

	if err := checkCacheRoot(logger, cfg.Cache.Root); err != nil {
		return fmt.Errorf("cache root check failed: %w", err)
	}

	if cfg.FTP.Host == "" {
		logger.Warn().
			Str("event", "startup.no_host").
			Msg("FTP host not configured; the connection monitor stays idle until one is set")
	} else {
		logger.Info().
			Str("event", "startup.endpoint").
			Str(log.FieldHost, cfg.Endpoint().Redacted()).
			Msg("FTP endpoint configured")
	}

	if cfg.Cache.CleanupOnExit && !cfg.Cache.AutoClean {
		logger.Info().
			Str("event", "startup.cache_policy").
			Msg("cache directories are kept until exit; automatic eviction is off")
	}

	logger.Info().Str("event", "startup.checks_passed").Msg("all startup checks passed")
	return nil
}

func checkCacheRoot(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := checkWritableDir(path, ".write_test"); err != nil {
		return err
	}
	logger.Info().Str("event", "startup.cache_root").Str(log.FieldPath, path).Msg("cache root is writable")
	return nil
}
