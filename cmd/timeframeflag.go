// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

// timeframeValue implements pflag.Value for a col:lo:hi flag argument,
// rejecting a malformed value the instant cobra parses the flag rather than
// once RunE inspects the resulting string.
type timeframeValue struct {
	column, lower, upper string
	set                  bool
}

var _ pflag.Value = (*timeframeValue)(nil)

func (v *timeframeValue) String() string {
	if !v.set {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", v.column, v.lower, v.upper)
}

func (v *timeframeValue) Set(raw string) error {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return xerrors.InvalidFilter{Reason: fmt.Sprintf("must be col:lo:hi, got %q", raw)}
	}
	v.column, v.lower, v.upper = parts[0], parts[1], parts[2]
	v.set = true
	return nil
}

func (v *timeframeValue) Type() string {
	return "col:lo:hi"
}
