// SPDX-License-Identifier: Apache-2.0

// Package flags binds the connection and run flags shared by every
// subcommand to their environment variable equivalents via viper, keeping
// cobra's flag parsing separate from the values the core packages consume.
package flags

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ConnectionFlags registers --host/--port/--user/--database/--schema on cmd
// and binds each to its DB_* environment variable. PGPASSWORD is read
// directly from the environment (never bound to a flag) so a password can
// never appear on the command line or in a process listing.
func ConnectionFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("host", "localhost", "Postgres host")
	cmd.PersistentFlags().String("port", "5432", "Postgres port")
	cmd.PersistentFlags().String("user", "postgres", "Postgres user")
	cmd.PersistentFlags().String("database", "", "Postgres database name")
	cmd.PersistentFlags().String("schema", "public", "Postgres schema to extract from")

	viper.BindPFlag("DB_HOST", cmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("DB_PORT", cmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("DB_USER", cmd.PersistentFlags().Lookup("user"))
	viper.BindPFlag("DB_NAME", cmd.PersistentFlags().Lookup("database"))
	viper.BindPFlag("DB_SCHEMA", cmd.PersistentFlags().Lookup("schema"))
}

func Host() string     { return viper.GetString("DB_HOST") }
func Port() string     { return viper.GetString("DB_PORT") }
func User() string     { return viper.GetString("DB_USER") }
func Database() string { return viper.GetString("DB_NAME") }
func Schema() string   { return viper.GetString("DB_SCHEMA") }

// Password reads PGPASSWORD directly; it has no corresponding flag.
func Password() string { return viper.GetString("PGPASSWORD") }

func LogLevel() string { return viper.GetString("LOG_LEVEL") }

func CacheEnabled() bool {
	if !viper.IsSet("CACHE_ENABLED") {
		return true
	}
	return viper.GetBool("CACHE_ENABLED")
}

func CacheTTL() time.Duration {
	hours := viper.GetInt("CACHE_TTL_HOURS")
	if hours <= 0 {
		return 0 // selects pkg/cache's default
	}
	return time.Duration(hours) * time.Hour
}

func ConnectionTTL() time.Duration {
	minutes := viper.GetInt("CONNECTION_TTL_MINUTES")
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}

// OutputDir returns the override for the default dump directory
// (~/.pgsubset/dumps), or "" to select the default.
func OutputDir() string {
	return viper.GetString("OUTPUT_DIR")
}
