// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"sigs.k8s.io/yaml"

	"github.com/pgsubset/pgsubset/pkg/extract"
	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

// seedsManifest is a YAML (or JSON) file naming multiple seeds in one dump,
// for the case where every row reachable from any of several unrelated seed
// rows belongs to the same subset. sigs.k8s.io/yaml decodes through the
// struct's json tags, accepting either format from the same file.
type seedsManifest struct {
	Seeds []struct {
		Table     string   `json:"table"`
		PKs       []string `json:"pks,omitempty"`
		Timeframe *struct {
			Column string `json:"column"`
			Lower  string `json:"lower"`
			Upper  string `json:"upper"`
		} `json:"timeframe,omitempty"`
	} `json:"seeds"`
	Truncates []struct {
		Table  string `json:"table"`
		Column string `json:"column"`
		Lower  string `json:"lower"`
		Upper  string `json:"upper"`
	} `json:"truncates,omitempty"`
}

// loadSeedsFile reads path and expands it into SeedSpec/TimeframeSpec
// values, letting one dump invocation extract a subset reachable from many
// unrelated seed rows at once.
func loadSeedsFile(path string) ([]extract.SeedSpec, []extract.TimeframeSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, xerrors.UsageError{Reason: "reading --seeds-file: " + err.Error()}
	}

	var manifest seedsManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, xerrors.UsageError{Reason: "parsing --seeds-file: " + err.Error()}
	}

	seeds := make([]extract.SeedSpec, 0, len(manifest.Seeds))
	for _, s := range manifest.Seeds {
		spec := extract.SeedSpec{Table: s.Table, PKs: s.PKs}
		if s.Timeframe != nil {
			spec.Timeframe = &extract.TimeframeSpec{
				Table:  s.Table,
				Column: s.Timeframe.Column,
				Lower:  s.Timeframe.Lower,
				Upper:  s.Timeframe.Upper,
			}
		}
		seeds = append(seeds, spec)
	}

	truncates := make([]extract.TimeframeSpec, 0, len(manifest.Truncates))
	for _, tr := range manifest.Truncates {
		truncates = append(truncates, extract.TimeframeSpec{
			Table: tr.Table, Column: tr.Column, Lower: tr.Lower, Upper: tr.Upper,
		})
	}

	return seeds, truncates, nil
}
