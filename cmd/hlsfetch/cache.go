// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/validate"
)

func newCacheCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the local cache directories",
		Long: `Inspect and clean the cache directories under cache.root. Only directories
whose name starts with cache.prefix are ever touched.`,
	}
	cmd.AddCommand(newCacheLsCmd(c), newCacheEvictCmd(c), newCachePurgeCmd(c))
	return cmd
}

func newCacheLsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List cache directories, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			dirs, err := cachedir.NewManager(c.cfg.CacheSettings()).List("")
			if err != nil {
				return err
			}
			if asJSON {
				if dirs == nil {
					dirs = []cachedir.Dir{}
				}
				return printJSON(cmd.OutOrStdout(), dirs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODIFIED\tNAME")
			for _, d := range dirs {
				fmt.Fprintf(tw, "%s\t%s\n", d.ModTime.Format(time.RFC3339), d.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print directories as JSON")
	return cmd
}

func newCacheEvictCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove the oldest cache directories above the cap",
		Long: `Remove the oldest cache directories until at most --max remain. The
directory given with --active, or the one containing it, is never removed.`,
		Example: `  # Apply cache.maxDirs
  hlsfetch cache evict

  # Keep two directories and protect the one being played
  hlsfetch cache evict --max 2 --active /tmp/hls_cache_1a2b3c4d5e6f7a8b/news_hls`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			maxDirs := c.cfg.Cache.MaxDirs
			if cmd.Flags().Changed("max") {
				maxDirs, _ = cmd.Flags().GetInt("max")
			}
			v := validate.New()
			v.NonNegative("max", maxDirs)
			if err := v.Err(); err != nil {
				return err
			}
			active, _ := cmd.Flags().GetString("active")
			if active != "" {
				abs, err := filepath.Abs(active)
				if err != nil {
					return err
				}
				active = abs
			}
			rep := cachedir.NewManager(c.cfg.CacheSettings()).EvictTo(maxDirs, active)
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().Int("max", 0, "directories to keep (default cache.maxDirs)")
	cmd.Flags().String("active", "", "cache directory to protect")
	return cmd
}

func newCachePurgeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove every cache directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep := cachedir.NewManager(c.cfg.CacheSettings()).Purge()
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if rep.Failed > 0 {
				return fmt.Errorf("%d cache directories could not be removed", rep.Failed)
			}
			return nil
		},
	}
}
