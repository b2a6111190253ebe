// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSeedsFileParsesSeedsAndTruncates(t *testing.T) {
	t.Parallel()

	manifest := `
seeds:
  - table: users
    pks: ["3", "4"]
  - table: orders
    timeframe:
      column: created_at
      lower: "2024-01-01"
      upper: "2024-12-31"
truncates:
  - table: transactions
    column: created_at
    lower: "2024-01-01"
    upper: "2024-12-31"
`
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))

	seeds, truncates, err := loadSeedsFile(path)
	require.NoError(t, err)

	require.Len(t, seeds, 2)
	require.Equal(t, "users", seeds[0].Table)
	require.Equal(t, []string{"3", "4"}, seeds[0].PKs)
	require.Nil(t, seeds[0].Timeframe)

	require.Equal(t, "orders", seeds[1].Table)
	require.NotNil(t, seeds[1].Timeframe)
	require.Equal(t, "created_at", seeds[1].Timeframe.Column)
	require.Equal(t, "2024-01-01", seeds[1].Timeframe.Lower)
	require.Equal(t, "2024-12-31", seeds[1].Timeframe.Upper)

	require.Len(t, truncates, 1)
	require.Equal(t, "transactions", truncates[0].Table)
}

func TestLoadSeedsFileReturnsUsageErrorOnMissingFile(t *testing.T) {
	t.Parallel()

	_, _, err := loadSeedsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadSeedsFileReturnsUsageErrorOnMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seeds: [this is not a seed list"), 0o600))

	_, _, err := loadSeedsFile(path)
	require.Error(t, err)
}
