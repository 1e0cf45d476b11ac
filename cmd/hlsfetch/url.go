// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newURLCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "url <path>",
		Short: "Print the direct ftp:// URL of a remote path",
		Long: `Print the ftp:// URL an external player can open directly. The password
is masked unless --reveal is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep := c.cfg.Endpoint()
			if !ep.Valid() {
				return errNoHost
			}
			p, err := remotePath(ep.Root(), args[0])
			if err != nil {
				return err
			}
			url := ep.MaskedURL(p)
			if reveal, _ := cmd.Flags().GetBool("reveal"); reveal {
				url = ep.DirectURL(p)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), url)
			return err
		},
	}
	cmd.Flags().Bool("reveal", false, "include the password in clear text")
	return cmd
}
