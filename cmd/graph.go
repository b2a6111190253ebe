// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgsubset/pgsubset/pkg/db"
	"github.com/pgsubset/pgsubset/pkg/extract"
	"github.com/pgsubset/pgsubset/pkg/schema"
)

func graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print every foreign key edge between tables in the target schema",
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

			g := schema.NewGraph()
			out := cmd.OutOrStdout()
			for _, ref := range refs {
				t, err := introspector.GetTable(ctx, g, ref)
				if err != nil {
					return err
				}
				for _, fk := range t.OutgoingFKs {
					fmt.Fprintf(out, "%s -> %s [%s]\n", t.Ref.String(), fk.ToTable.String(), fk.Name)
				}
			}
			return nil
		},
	}
}
