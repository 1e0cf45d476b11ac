// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"github.com/spf13/cobra"

	"github.com/ManuGH/hlsfetch/internal/config"
	"github.com/ManuGH/hlsfetch/internal/daemon"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the connection monitor and the control API",
		Long: `Run the long-lived service: the FTP connection monitor, the browse tree,
cache maintenance and the HTTP control API. The config file is watched and
reloaded on change or on SIGHUP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := xlog.WithComponent("daemon")
			source := "env+defaults"
			if c.configPath != "" {
				source = "file"
			}
			logger.Info().
				Str(xlog.FieldEvent, "config.loaded").
				Str("source", source).
				Str(xlog.FieldPath, c.configPath).
				Msg("configuration loaded")

			app, err := daemon.New(cmd.Context(), config.NewHolder(c.cfg, c.loader), daemon.WithLogger(logger))
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
