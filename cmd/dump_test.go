// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimeframeValueParsesColLoHi(t *testing.T) {
	t.Parallel()

	var tf timeframeValue
	require.NoError(t, tf.Set("created_at:2024-01-01:2024-12-31"))
	require.True(t, tf.set)
	require.Equal(t, "created_at", tf.column)
	require.Equal(t, "2024-01-01", tf.lower)
	require.Equal(t, "2024-12-31", tf.upper)
	require.Equal(t, "created_at:2024-01-01:2024-12-31", tf.String())

	var bad timeframeValue
	require.Error(t, bad.Set("created_at:2024-01-01"))
	require.False(t, bad.set)
}

func TestParseTruncateSpecRequiresFourParts(t *testing.T) {
	t.Parallel()

	spec, err := parseTruncateSpec("transactions:created_at:2024-01-01:2024-12-31")
	require.NoError(t, err)
	require.Equal(t, "transactions", spec.Table)
	require.Equal(t, "created_at", spec.Column)
	require.Equal(t, "2024-01-01", spec.Lower)
	require.Equal(t, "2024-12-31", spec.Upper)

	_, err = parseTruncateSpec("transactions:created_at")
	require.Error(t, err)
}
