// SPDX-License-Identifier: Apache-2.0

// Package ddl emits idempotent schema-creation statements (schemas, tables,
// constraints) for the subset of tables reached by a traversal, in an order
// safe with respect to outgoing foreign-key dependencies.
package ddl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/pgsubset/pgsubset/pkg/schema"
)

// Generate produces CREATE SCHEMA / CREATE TABLE / ALTER TABLE statements
// for every table in refs, reading their definitions from graph. database,
// when non-empty, additionally emits an unconditional `CREATE DATABASE`
// statement first (Postgres rejects `IF NOT EXISTS` on that statement; a
// failure there is acceptable to the replay author per spec).
func Generate(graph *schema.Graph, refs []schema.Ref, database string) (string, error) {
	var b strings.Builder

	if database != "" {
		fmt.Fprintf(&b, "CREATE DATABASE %s;\n\n", pq.QuoteIdentifier(database))
	}

	schemas := make(map[string]bool)
	for _, ref := range refs {
		schemas[ref.Schema] = true
	}
	var schemaNames []string
	for s := range schemas {
		schemaNames = append(schemaNames, s)
	}
	sort.Strings(schemaNames)
	for _, s := range schemaNames {
		fmt.Fprintf(&b, "CREATE SCHEMA IF NOT EXISTS %s;\n", pq.QuoteIdentifier(s))
	}
	b.WriteString("\n")

	ordered, deferred := tableOrder(graph, refs)

	for _, ref := range ordered {
		t := graph.Get(ref)
		if t == nil {
			continue
		}
		writeCreateTable(&b, t, deferred)
		b.WriteString("\n")
	}

	for _, fk := range deferred {
		fmt.Fprintf(&b, "DO $$ BEGIN\n\tALTER TABLE %s.%s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s.%s (%s);\nEXCEPTION WHEN duplicate_object THEN NULL;\nEND $$;\n",
			pq.QuoteIdentifier(fk.FromTable.Schema), pq.QuoteIdentifier(fk.FromTable.Name),
			pq.QuoteIdentifier(fk.Name),
			quoteIdentList(fk.FromColumns),
			pq.QuoteIdentifier(fk.ToTable.Schema), pq.QuoteIdentifier(fk.ToTable.Name),
			quoteIdentList(fk.ToColumns),
		)
	}

	return b.String(), nil
}

func writeCreateTable(b *strings.Builder, t *schema.Table, deferred []*schema.ForeignKey) {
	deferredNames := make(map[string]bool, len(deferred))
	for _, fk := range deferred {
		deferredNames[fk.Name] = true
	}

	fmt.Fprintf(b, "CREATE TABLE IF NOT EXISTS %s.%s (\n", pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name))

	var lines []string
	for _, c := range t.Columns {
		lines = append(lines, "\t"+columnDDL(c))
	}
	if len(t.PrimaryKeyColumns) > 0 {
		lines = append(lines, fmt.Sprintf("\tPRIMARY KEY (%s)", quoteIdentList(t.PrimaryKeyColumns)))
	}
	for _, uc := range t.UniqueConstraints {
		lines = append(lines, fmt.Sprintf("\tCONSTRAINT %s UNIQUE (%s)", pq.QuoteIdentifier(uc.Name), quoteIdentList(uc.Columns)))
	}
	for _, fk := range t.OutgoingFKs {
		if deferredNames[fk.Name] {
			continue
		}
		lines = append(lines, fmt.Sprintf("\tCONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s.%s (%s)",
			pq.QuoteIdentifier(fk.Name), quoteIdentList(fk.FromColumns),
			pq.QuoteIdentifier(fk.ToTable.Schema), pq.QuoteIdentifier(fk.ToTable.Name),
			quoteIdentList(fk.ToColumns)))
	}

	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n);\n")
}

func columnDDL(c *schema.Column) string {
	s := fmt.Sprintf("%s %s", pq.QuoteIdentifier(c.Name), c.DataType)
	if !c.Nullable {
		s += " NOT NULL"
	}
	if c.Default != nil && !c.IsIdentity {
		s += " DEFAULT " + *c.Default
	}
	return s
}

// tableOrder performs a table-level Kahn's-algorithm sort by outgoing FK
// dependency (referenced tables first), the same deterministic
// cycle-breaking strategy as the record-level Dependency Sorter: on a stall,
// the lexicographically smallest remaining table is forced in. Constraints
// that form a cycle are returned separately for deferred ALTER TABLE
// emission.
func tableOrder(graph *schema.Graph, refs []schema.Ref) ([]schema.Ref, []*schema.ForeignKey) {
	set := make(map[string]schema.Ref, len(refs))
	for _, r := range refs {
		set[r.String()] = r
	}

	inDegree := make(map[string]int)
	adj := make(map[string][]string)
	var keys []string
	for key := range set {
		inDegree[key] = 0
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fkByEdge := make(map[string][]*schema.ForeignKey) // "fromKey->toKey"
	for _, key := range keys {
		t := graph.Get(set[key])
		if t == nil {
			continue
		}
		for _, fk := range t.OutgoingFKs {
			toKey := fk.ToTable.String()
			if toKey == key {
				continue // self-reference never blocks table creation order
			}
			if _, ok := set[toKey]; !ok {
				continue
			}
			adj[toKey] = append(adj[toKey], key)
			inDegree[key]++
			edgeKey := toKey + "->" + key
			fkByEdge[edgeKey] = append(fkByEdge[edgeKey], fk)
		}
	}

	var queue []string
	for _, key := range keys {
		if inDegree[key] == 0 {
			queue = append(queue, key)
		}
	}
	sort.Strings(queue)

	processed := make(map[string]bool, len(keys))
	var ordered []string
	var deferred []*schema.ForeignKey

	for len(ordered) < len(keys) {
		if len(queue) == 0 {
			next := nextUnprocessed(keys, processed)
			if next == "" {
				break
			}
			// stall: defer every still-unsatisfied incoming constraint onto next
			for _, key := range keys {
				if processed[key] || key == next {
					continue
				}
				edgeKey := key + "->" + next
				deferred = append(deferred, fkByEdge[edgeKey]...)
			}
			queue = append(queue, next)
			inDegree[next] = 0
		}

		current := queue[0]
		queue = queue[1:]
		if processed[current] {
			continue
		}
		processed[current] = true
		ordered = append(ordered, current)

		neighbors := append([]string(nil), adj[current]...)
		sort.Strings(neighbors)
		for _, n := range neighbors {
			inDegree[n]--
			if inDegree[n] <= 0 && !processed[n] {
				queue = append(queue, n)
				sort.Strings(queue)
			}
		}
	}

	refsOut := make([]schema.Ref, 0, len(ordered))
	for _, key := range ordered {
		refsOut = append(refsOut, set[key])
	}
	return refsOut, deferred
}

func nextUnprocessed(keys []string, processed map[string]bool) string {
	for _, k := range keys {
		if !processed[k] {
			return k
		}
	}
	return ""
}

func quoteIdentList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}
