// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgsubset/pgsubset/cmd/flags"
	"github.com/pgsubset/pgsubset/internal/logging"
	"github.com/pgsubset/pgsubset/pkg/extract"
	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

// Version is the pgsubset version.
var Version = "development"

func init() {
	_ = godotenv.Load() // a missing .env file is not an error

	viper.AutomaticEnv()

	flags.ConnectionFlags(rootCmd)
	rootCmd.PersistentFlags().String("log-level", "", "Logging level: debug, info, warn, error (disabled by default)")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Skip the schema cache for this run")
	rootCmd.PersistentFlags().Bool("clear-cache", false, "Clear the schema cache before running")

	viper.BindPFlag("LOG_LEVEL", rootCmd.PersistentFlags().Lookup("log-level"))
}

var rootCmd = &cobra.Command{
	Use:          "pgsubset",
	Short:        "Extract a foreign-key-consistent subset of a Postgres database",
	SilenceUsage: true,
	Version:      Version,
}

// Execute runs the root command and returns a process exit code, mapping
// pkg/xerrors kinds to the exit codes documented for this command via a
// type switch instead of string matching.
func Execute() int {
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(tablesCmd())
	rootCmd.AddCommand(describeCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(cacheCmd())

	err := rootCmd.Execute()
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}

	switch err.(type) {
	case xerrors.UsageError, xerrors.SchemaNotFound, xerrors.InvalidFilter:
		return 2
	case xerrors.DanglingReference, xerrors.CycleDetected:
		return 3
	case xerrors.Cancelled:
		return 4
	default:
		return 1
	}
}

// baseRunConfig assembles the connection fields and ambient settings shared
// by every subcommand from the bound flags/environment.
func baseRunConfig(cmd *cobra.Command) extract.RunConfig {
	noCache, _ := cmd.Flags().GetBool("no-cache")
	clearCache, _ := cmd.Flags().GetBool("clear-cache")

	return extract.RunConfig{
		Host:          flags.Host(),
		Port:          flags.Port(),
		User:          flags.User(),
		Password:      flags.Password(),
		Database:      flags.Database(),
		SchemaName:    flags.Schema(),
		NoCache:       noCache || !flags.CacheEnabled(),
		ClearCache:    clearCache,
		CacheTTL:      flags.CacheTTL(),
		ConnectionTTL: flags.ConnectionTTL(),
		Logger:        logging.New(flags.LogLevel()),
	}
}

func rootContext() context.Context {
	return context.Background()
}
