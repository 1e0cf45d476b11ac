// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/transfer"
	"github.com/ManuGH/hlsfetch/internal/validate"
)

func newFetchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <remoteDir>",
		Short: "Materialize an HLS directory into the local cache",
		Long: `Download the playlist of an HLS directory and its segments into the
cache directory derived from the remote path, then rewrite the playlist so it
lists only the segments that arrived.

With --preview N only the leading segments whose cumulative duration stays
within N seconds are fetched. Progress is written to stderr and the result
to stdout as JSON. The command fails when no segment could be fetched.`,
		Example: `  # Fetch a full recording
  hlsfetch fetch id_42_news/news_hls

  # Fetch a 60 second preview over parallel connections
  hlsfetch fetch /rec/id_42_news/news_hls --preview 60 --pool

  # Fetch into a chosen directory together with the preview images
  hlsfetch fetch id_42_news/news_hls --out ./news --images`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, c, args[0])
		},
	}
	cmd.Flags().Float64("preview", 0, "preview ceiling in seconds (0 fetches every segment)")
	cmd.Flags().Bool("pool", false, "fetch segments over a pool of connections (default download.multiThread)")
	cmd.Flags().String("out", "", "local directory (default: the cache directory for remoteDir)")
	cmd.Flags().Bool("images", false, "also fetch the cover and first-frame images")
	return cmd
}

func runFetch(cmd *cobra.Command, c *cli, arg string) error {
	if !c.cfg.Endpoint().Valid() {
		return errNoHost
	}
	remote, err := remotePath(c.cfg.Endpoint().Root(), arg)
	if err != nil {
		return err
	}

	preview, _ := cmd.Flags().GetFloat64("preview")
	v := validate.New()
	v.FloatRange("preview", preview, 0, 24*3600)
	if err := v.Err(); err != nil {
		return err
	}
	pooled := c.cfg.Download.MultiThread
	if cmd.Flags().Changed("pool") {
		pooled, _ = cmd.Flags().GetBool("pool")
	}

	cache := cachedir.NewManager(c.cfg.CacheSettings())
	local, _ := cmd.Flags().GetString("out")
	if local == "" {
		local = cache.DirFor(remote)
		if c.cfg.Cache.AutoClean {
			cache.Evict(local)
		}
	}

	logger := xlog.WithComponent("fetch")
	dial := transfer.FTPDialer(c.cfg.Endpoint(), ftp.WithTimeout(c.cfg.FTP.Timeout), ftp.WithLogger(xlog.WithComponent("ftp")))
	opts := c.cfg.SchedulerOptions()
	opts.Logger = &logger
	sched := transfer.NewScheduler(dial, opts)

	errOut := cmd.ErrOrStderr()
	res := sched.Materialize(cmd.Context(), transfer.Request{
		RemoteDir:      remote,
		ManifestName:   c.cfg.HLS.Manifest,
		LocalDir:       local,
		PreviewSeconds: preview,
		Pooled:         pooled,
	}, func(e transfer.Event) {
		fmt.Fprintln(errOut, formatEvent(e))
	})

	out := struct {
		transfer.Result
		Previews *transfer.Previews `json:"previews,omitempty"`
	}{Result: res}

	if images, _ := cmd.Flags().GetBool("images"); images && res.Success {
		p, err := fetchImages(cmd.Context(), dial, remote, local, c.cfg.PreviewNames())
		if err != nil {
			fmt.Fprintf(errOut, "warning: preview images: %v\n", err)
		}
		out.Previews = &p
	}

	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if !res.Success {
		if res.Err != nil {
			return res.Err
		}
		return errors.New(res.Error)
	}
	return nil
}

func fetchImages(ctx context.Context, dial transfer.Dialer, remote, local string, names transfer.PreviewNames) (transfer.Previews, error) {
	sess, err := dial(ctx)
	if err != nil {
		return transfer.Previews{}, err
	}
	defer func() { _ = sess.Disconnect() }()
	return transfer.FetchPreviews(ctx, sess, remote, local, names)
}

// formatEvent renders a progress event as one terminal line.
func formatEvent(e transfer.Event) string {
	switch e.Kind {
	case transfer.EventFetched, transfer.EventSkipped, transfer.EventFailed:
		line := fmt.Sprintf("[%d/%d] %s %s", e.Completed, e.Total, e.Kind, e.File)
		if e.Message != "" {
			line += ": " + e.Message
		}
		return line
	case transfer.EventFetch:
		return fmt.Sprintf("[%d/%d] fetching %s", e.Completed, e.Total, e.File)
	default:
		if e.Message == "" {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}
