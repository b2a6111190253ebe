// SPDX-License-Identifier: Apache-2.0

// Package remap rewrites primary-key values of identity-backed tables to
// placeholder tokens that the target database resolves on insert, and
// propagates those placeholders to every record that references them.
package remap

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pgsubset/pgsubset/pkg/record"
	"github.com/pgsubset/pgsubset/pkg/schema"
	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

// Map is a RecordIdentifier → placeholder-token mapping. A PKMap entry is
// created once during Build and is never mutated afterward.
type Map struct {
	tokens map[string]string // keyed by record.Identifier.Key()
}

// Token returns the placeholder token assigned to id, or "" if id was not
// remapped (its table's PK isn't entirely identity-backed, or remapping was
// disabled).
func (m *Map) Token(id record.Identifier) string {
	if m == nil {
		return ""
	}
	return m.tokens[id.Key()]
}

// Build allocates a placeholder token for every record whose table's
// primary key is composed entirely of identity columns. ordered must be in
// dependency-safe order (the output of pkg/sort.Sort); cycles names the
// record keys that sorter had to force in to break a cycle — remapping a
// record caught in a true record-value cycle is impossible (the
// placeholder for row A would need row B's identity and vice versa), so
// Build fails with CycleDetected if any such record also requires
// remapping.
func Build(graph *schema.Graph, ordered []*record.Data, cycles map[string]bool) (*Map, error) {
	m := &Map{tokens: make(map[string]string)}

	var cyclicRemapped []string
	for _, d := range ordered {
		t := graph.Get(d.Identifier.Table)
		if t == nil || !t.IsIdentityPrimaryKey() {
			continue
		}

		if cycles[d.Identifier.Key()] {
			cyclicRemapped = append(cyclicRemapped, d.Identifier.Table.String())
			continue
		}

		token := strings.ReplaceAll(uuid.NewString(), "-", "_")
		m.tokens[d.Identifier.Key()] = fmt.Sprintf("v_%s_%s", sanitize(t.Name), token)
	}

	if len(cyclicRemapped) > 0 {
		return nil, xerrors.CycleDetected{Tables: cyclicRemapped}
	}

	return m, nil
}

// sanitize makes a table name safe to embed in a plpgsql variable name.
func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '"' || r == '.' || r == ' ' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
