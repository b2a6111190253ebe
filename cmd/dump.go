// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgsubset/pgsubset/cmd/flags"
	"github.com/pgsubset/pgsubset/pkg/extract"
	"github.com/pgsubset/pgsubset/pkg/traversal"
	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

func dumpCmd() *cobra.Command {
	var table string
	var pks []string
	var timeframe timeframeValue
	var truncates []string
	var seedsFile string
	var wide bool
	var keepPKs bool
	var createSchema bool
	var output string
	var requireReadOnly bool
	var allowWriteConnection bool

	c := &cobra.Command{
		Use:   "dump",
		Short: "Extract a foreign-key-consistent subset starting from a seed table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if table == "" && seedsFile == "" {
				return xerrors.UsageError{Reason: "one of --table or --seeds-file is required"}
			}
			if len(pks) > 0 && timeframe.set {
				return xerrors.UsageError{Reason: "--pks and --timeframe are mutually exclusive"}
			}
			if table != "" && len(pks) == 0 && !timeframe.set {
				return xerrors.UsageError{Reason: "--table requires one of --pks or --timeframe"}
			}

			var seeds []extract.SeedSpec
			if table != "" {
				seed := extract.SeedSpec{Table: table, PKs: pks}
				if timeframe.set {
					seed.Timeframe = &extract.TimeframeSpec{
						Table:  table,
						Column: timeframe.column,
						Lower:  timeframe.lower,
						Upper:  timeframe.upper,
					}
				}
				seeds = append(seeds, seed)
			}

			truncateSpecs := make([]extract.TimeframeSpec, 0, len(truncates))
			for _, raw := range truncates {
				spec, err := parseTruncateSpec(raw)
				if err != nil {
					return err
				}
				truncateSpecs = append(truncateSpecs, *spec)
			}

			if seedsFile != "" {
				fileSeeds, fileTruncates, err := loadSeedsFile(seedsFile)
				if err != nil {
					return err
				}
				seeds = append(seeds, fileSeeds...)
				truncateSpecs = append(truncateSpecs, fileTruncates...)
			}

			if len(seeds) == 0 {
				return xerrors.UsageError{Reason: "no seeds resolved from --table or --seeds-file"}
			}

			cfg := baseRunConfig(cmd)
			cfg.Seeds = seeds
			cfg.Truncates = truncateSpecs
			cfg.KeepPKs = keepPKs
			cfg.CreateSchema = createSchema
			cfg.RequireReadOnly = requireReadOnly
			cfg.AllowWriteConnection = allowWriteConnection
			if wide {
				cfg.Mode = traversal.Wide
			}

			sink, err := outputSink(output, seeds[0].Table, seeds[0].PKs, cfg.SchemaName)
			if err != nil {
				return err
			}
			cfg.Output = sink

			sp, _ := pterm.DefaultSpinner.WithText("Extracting subset...").Start()

			result, err := extract.Run(rootContext(), cfg)
			if err != nil {
				sp.Fail(fmt.Sprintf("extraction failed: %s", err))
				return err
			}

			msg := fmt.Sprintf("Extracted %d records (%d cycles broken)", result.RecordCount, result.CycleCount)
			sp.Success(msg)
			for _, w := range result.Warnings {
				pterm.Warning.Printfln("dangling reference from %s to %s", w.FromTable, w.ToTable)
			}
			return nil
		},
	}

	c.Flags().StringVar(&table, "table", "", "Seed table name")
	c.Flags().StringSliceVar(&pks, "pks", nil, "Comma-separated primary key values of the seed row(s)")
	c.Flags().Var(&timeframe, "timeframe", "col:lo:hi — seed every row of --table within this range")
	c.Flags().StringArrayVar(&truncates, "truncate", nil, "table:col:lo:hi — restrict a related table to this range (repeatable)")
	c.Flags().StringVar(&seedsFile, "seeds-file", "", "YAML manifest of additional seeds and truncates, merged with --table/--pks")
	c.Flags().BoolVar(&wide, "wide", false, "Follow self-referencing foreign keys (default strict)")
	c.Flags().BoolVar(&keepPKs, "keep-pks", false, "Disable primary key remapping")
	c.Flags().BoolVar(&createSchema, "create-schema", false, "Emit CREATE SCHEMA/TABLE statements before the data")
	c.Flags().StringVar(&output, "output", "", "Output file path (default: a timestamped file under ~/.pgsubset/dumps, or OUTPUT_DIR)")
	c.Flags().BoolVar(&requireReadOnly, "require-read-only", false, "Fail if the session cannot be placed in read-only mode")
	c.Flags().BoolVar(&allowWriteConnection, "allow-write-connection", false, "Proceed even if the session could not be placed in read-only mode")

	return c
}

func parseTruncateSpec(raw string) (*extract.TimeframeSpec, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) != 4 {
		return nil, xerrors.InvalidFilter{Reason: fmt.Sprintf("--truncate must be table:col:lo:hi, got %q", raw)}
	}
	return &extract.TimeframeSpec{Table: parts[0], Column: parts[1], Lower: parts[2], Upper: parts[3]}, nil
}

// outputSink resolves where the replay stream is written: explicit --output,
// or the default dump directory (~/.pgsubset/dumps, overridable via the
// OUTPUT_DIR environment variable) with {schema}_{table}_{firstpk}_{timestamp}.sql
// naming.
func outputSink(output, table string, pks []string, schemaName string) (extract.OutputSink, error) {
	if output != "" {
		return extract.FileSink{Path: output}, nil
	}

	firstPK := "seed"
	if len(pks) > 0 {
		firstPK = pks[0]
	}

	dir := flags.OutputDir()
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, xerrors.OutputError{Reason: err.Error()}
		}
		dir = filepath.Join(home, ".pgsubset", "dumps")
	}
	name := fmt.Sprintf("%s_%s_%s_%d.sql", schemaName, table, firstPK, time.Now().Unix())
	return extract.FileSink{Path: filepath.Join(dir, name)}, nil
}
