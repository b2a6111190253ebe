// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgsubset/pgsubset/pkg/db"
	"github.com/pgsubset/pgsubset/pkg/extract"
	"github.com/pgsubset/pgsubset/pkg/schema"
)

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List every base table in the target schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootContext()
			cfg := baseRunConfig(cmd)

			conn, err := extract.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			introspector := schema.New(&db.RDB{DB: conn})
			refs, err := introspector.ListTables(ctx, cfg.SchemaName)
			if err != nil {
				return err
			}

			for _, ref := range refs {
				fmt.Fprintln(cmd.OutOrStdout(), ref.Name)
			}
			return nil
		},
	}
}
