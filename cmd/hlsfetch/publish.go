// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/transfer"
)

func newPublishCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <local> <remoteDir>",
		Short: "Upload a local file into a remote directory",
		Long: `Upload a local file, typically a playlist or preview image, into a remote
directory. Missing remote directories are created. The remote path is printed.`,
		Example: `  hlsfetch publish ./cover.jpg id_42_news
  hlsfetch publish ./edited.m3u8 id_42_news/news_hls --name playlist.m3u8`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := args[0]
			st, err := os.Stat(local)
			if err != nil {
				return err
			}
			if st.IsDir() {
				return fmt.Errorf("%s is a directory", local)
			}
			remoteDir, err := remotePath(c.cfg.Endpoint().Root(), args[1])
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")

			t, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = t.Disconnect() }()

			remote, err := transfer.Publish(cmd.Context(), t, local, remoteDir, name)
			if err != nil {
				return err
			}
			logger := xlog.WithComponent("publish")
			logger.Info().
				Str(xlog.FieldEvent, "transfer.published").
				Str(xlog.FieldPath, remote).
				Msg("file uploaded")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), remote)
			return err
		},
	}
	cmd.Flags().String("name", "", "remote file name (default: the local base name)")
	return cmd
}
