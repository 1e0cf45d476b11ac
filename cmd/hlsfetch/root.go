// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ManuGH/hlsfetch/internal/config"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/telemetry"
	"github.com/ManuGH/hlsfetch/internal/validate"
	"github.com/ManuGH/hlsfetch/internal/version"
)

var errNoHost = errors.New("no FTP host configured (set ftp.host or " + config.EnvPrefix + "FTP_HOST)")

// cli holds the state shared by every subcommand once the configuration
// is loaded.
type cli struct {
	configPath string
	logLevel   string

	loader *config.Loader
	cfg    config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "hlsfetch",
		Short: "Fetch HLS recordings from an FTP server",
		Long: `hlsfetch browses HLS recording directories on an FTP server, downloads
their playlists and segments into a managed local cache and rewrites the
playlist so a local player can open it.

Configuration is read from a YAML file, a .env file and ` + config.EnvPrefix + `* environment
variables, in increasing order of precedence.`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return c.load(cmd) },
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(c),
		newLsCmd(c),
		newFetchCmd(c),
		newCacheCmd(c),
		newURLCmd(c),
		newPublishCmd(c),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and points the logger at stderr.
func (c *cli) load(cmd *cobra.Command) error {
	c.loader = config.NewLoader(c.configPath, version.Version)
	cfg, err := c.loader.Load()
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		lvl := strings.ToLower(strings.TrimSpace(c.logLevel))
		if _, err := validate.ParseLogLevel(lvl); err != nil {
			return fmt.Errorf("--log-level %q: %w", c.logLevel, err)
		}
		cfg.LogLevel = lvl
	}
	c.cfg = cfg

	xlog.Reconfigure(xlog.Config{
		Level:   cfg.LogLevel,
		Output:  cmd.ErrOrStderr(),
		Service: telemetry.DefaultServiceName,
		Version: version.Version,
	})
	return nil
}

// connect opens a control connection to the configured endpoint.
func (c *cli) connect(ctx context.Context) (*ftp.Transport, error) {
	ep := c.cfg.Endpoint()
	if !ep.Valid() {
		return nil, errNoHost
	}
	t := ftp.New(ep, ftp.WithTimeout(c.cfg.FTP.Timeout), ftp.WithLogger(xlog.WithComponent("ftp")))
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// remotePath anchors p under root. Empty means root; ".." segments are
// rejected.
func remotePath(root, p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return root, nil
	}
	v := validate.New()
	v.RemotePath("path", "/"+strings.TrimPrefix(p, "/"))
	if err := v.Err(); err != nil {
		return "", err
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(root, p)
	}
	return path.Clean(p), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
