// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

func TestExitCodeMapsErrorKindsToSpecifiedCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"usage", xerrors.UsageError{Reason: "bad flag"}, 2},
		{"schema not found", xerrors.SchemaNotFound{Schema: "public", Table: "x"}, 2},
		{"invalid filter", xerrors.InvalidFilter{Reason: "bad column"}, 2},
		{"dangling reference", xerrors.DanglingReference{FromTable: "a", ToTable: "b"}, 3},
		{"cycle detected", xerrors.CycleDetected{Tables: []string{"a"}}, 3},
		{"cancelled", xerrors.Cancelled{}, 4},
		{"connection error", xerrors.ConnectionError{Reason: "dial failed"}, 1},
		{"fetch error", xerrors.FetchError{Table: "a", Reason: "timeout"}, 1},
		{"unrecognised error", errors.New("boom"), 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}
