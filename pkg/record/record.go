// SPDX-License-Identifier: Apache-2.0

// Package record holds the row-level types shared by the traversal, sort,
// remap and replay stages: a RecordIdentifier names a row, a RecordData
// carries its column values and the identifiers it depends on.
package record

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pgsubset/pgsubset/pkg/schema"
)

// Identifier names a single row: the table it belongs to and its ordered
// primary-key values, formatted as strings (the Traversal Engine formats
// values for comparison only; the Replay Writer re-formats from RecordData
// by declared column type).
type Identifier struct {
	Table schema.Ref
	PKs   []string
}

// Key returns a deterministic, hashable string form of the identifier,
// suitable for use as a map key: "schema.table|pk1,pk2".
func (id Identifier) Key() string {
	return fmt.Sprintf("%s|%s", id.Table.String(), strings.Join(id.PKs, ","))
}

// Less gives Identifier a deterministic total order: table name ascending,
// then PK tuple lexicographic, used by the Dependency Sorter to break ties
// and choose cycle-breaking victims.
func (id Identifier) Less(other Identifier) bool {
	if id.Table != other.Table {
		return id.Table.Less(other.Table)
	}
	n := len(id.PKs)
	if len(other.PKs) < n {
		n = len(other.PKs)
	}
	for i := 0; i < n; i++ {
		if id.PKs[i] != other.PKs[i] {
			return id.PKs[i] < other.PKs[i]
		}
	}
	return len(id.PKs) < len(other.PKs)
}

// Data is a fully fetched row: its identifier, raw column values keyed by
// column name, and the set of identifiers it depends on via outgoing,
// non-null foreign keys.
type Data struct {
	Identifier   Identifier
	ColumnValues map[string]any
	Dependencies map[string]Identifier // keyed by Identifier.Key()
}

// NewData creates an empty Data for id.
func NewData(id Identifier) *Data {
	return &Data{
		Identifier:   id,
		ColumnValues: make(map[string]any),
		Dependencies: make(map[string]Identifier),
	}
}

// AddDependency records that this record's row refers to dep via a resolved
// outgoing foreign key. Adding the same dependency twice is a no-op.
func (d *Data) AddDependency(dep Identifier) {
	d.Dependencies[dep.Key()] = dep
}

// SortedDependencies returns the dependency set in deterministic order.
func (d *Data) SortedDependencies() []Identifier {
	deps := make([]Identifier, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Less(deps[j]) })
	return deps
}

// Set is the collected, deduplicated set of records gathered by one
// traversal run, keyed by Identifier.Key().
type Set struct {
	byKey map[string]*Data
}

// NewSet creates an empty record set.
func NewSet() *Set {
	return &Set{byKey: make(map[string]*Data)}
}

// Get returns the record for id, or nil if it hasn't been collected.
func (s *Set) Get(id Identifier) *Data {
	return s.byKey[id.Key()]
}

// Put registers a freshly fetched record.
func (s *Set) Put(d *Data) {
	s.byKey[d.Identifier.Key()] = d
}

// Has reports whether id has already been collected.
func (s *Set) Has(id Identifier) bool {
	_, ok := s.byKey[id.Key()]
	return ok
}

// Len returns the number of collected records.
func (s *Set) Len() int {
	return len(s.byKey)
}

// All returns every collected record, in unspecified order; callers that
// need determinism should sort by Identifier.
func (s *Set) All() []*Data {
	all := make([]*Data, 0, len(s.byKey))
	for _, d := range s.byKey {
		all = append(all, d)
	}
	return all
}
