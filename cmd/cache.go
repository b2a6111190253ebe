// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pgsubset/pgsubset/cmd/flags"
	"github.com/pgsubset/pgsubset/pkg/cache"
)

func cacheCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the schema cache",
	}
	c.AddCommand(cacheClearCmd())
	return c
}

func cacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry from the schema cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cache.New("", flags.CacheTTL())
			if err != nil {
				return err
			}
			return c.Clear(rootContext())
		},
	}
}
