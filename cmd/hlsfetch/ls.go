// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ManuGH/hlsfetch/internal/browse"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
)

// transportLister lets the browse tree list through a single transport.
type transportLister struct{ t *ftp.Transport }

func (l transportLister) Browse(ctx context.Context, dir string) ([]ftp.Entry, error) {
	return l.t.ListDirectory(ctx, dir)
}

func newLsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a remote directory",
		Long: `List a remote directory with the configured browse filters applied.
Relative paths are resolved against ftp.basePath. HLS directories are marked.`,
		Example: `  # List the base path
  hlsfetch ls

  # List a recording as JSON
  hlsfetch ls id_42_news --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			t, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = t.Disconnect() }()

			logger := xlog.WithComponent("browse")
			tree := browse.New(transportLister{t}, browse.Options{
				BasePath:          c.cfg.FTP.BasePath,
				DirSuffix:         c.cfg.HLS.DirSuffix,
				FilterIDDirs:      c.cfg.Browse.FilterIDDirs,
				ShowOnlyIDFolders: c.cfg.Browse.ShowOnlyIDFolders,
				Logger:            &logger,
			})

			var arg string
			if len(args) == 1 {
				arg = args[0]
			}
			dir, err := remotePath(tree.Root(), arg)
			if err != nil {
				return err
			}
			nodes, err := tree.Expand(cmd.Context(), dir)
			if err != nil {
				return err
			}

			if asJSON {
				if nodes == nil {
					nodes = []browse.Node{}
				}
				return printJSON(cmd.OutOrStdout(), nodes)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, n := range nodes {
				kind, name := "file", n.Name
				switch {
				case n.IsHLS:
					kind, name = "hls", n.Name+"/"
				case n.IsDir:
					kind, name = "dir", n.Name+"/"
				}
				fmt.Fprintf(tw, "%s\t%s\n", kind, name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print entries as JSON")
	return cmd
}
