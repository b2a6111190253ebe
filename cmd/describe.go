// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pgsubset/pgsubset/pkg/db"
	"github.com/pgsubset/pgsubset/pkg/extract"
	"github.com/pgsubset/pgsubset/pkg/schema"
)

func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <table>",
		Short: "Print a table's columns, keys and foreign key relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootContext()
			cfg := baseRunConfig(cmd)

			conn, err := extract.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			introspector := schema.New(&db.RDB{DB: conn})
			graph := schema.NewGraph()
			ref := schema.ParseRef(args[0], cfg.SchemaName)

			t, err := introspector.GetTable(ctx, graph, ref)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", t.Ref.String())
			fmt.Fprintf(out, "  primary key: %s\n", strings.Join(t.PrimaryKeyColumns, ", "))

			for _, c := range t.Columns {
				nullable := ""
				if c.Nullable {
					nullable = ", nullable"
				}
				identity := ""
				if c.IsIdentity {
					identity = ", identity"
				}
				fmt.Fprintf(out, "  %s %s%s%s\n", c.Name, c.DataType, nullable, identity)
			}

			for _, uc := range t.UniqueConstraints {
				fmt.Fprintf(out, "  unique: %s (%s)\n", uc.Name, strings.Join(uc.Columns, ", "))
			}
			for _, fk := range t.OutgoingFKs {
				fmt.Fprintf(out, "  -> %s (%s) references %s (%s) on delete %s\n",
					fk.Name, strings.Join(fk.FromColumns, ", "), fk.ToTable.String(), strings.Join(fk.ToColumns, ", "), fk.OnDeleteAction)
			}
			for _, fk := range t.IncomingFKs {
				fmt.Fprintf(out, "  <- %s.%s (%s) references this table (%s)\n",
					fk.FromTable.String(), fk.Name, strings.Join(fk.FromColumns, ", "), strings.Join(fk.ToColumns, ", "))
			}

			return nil
		},
	}
}
