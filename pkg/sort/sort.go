// SPDX-License-Identifier: Apache-2.0

// Package sort topologically orders a collected record set so that every
// row is emitted after the rows it depends on, using Kahn's algorithm with
// deterministic cycle breaking.
package sort

import (
	"sort"

	"github.com/pgsubset/pgsubset/pkg/record"
)

// Result is the output of a sort: the records in dependency-safe order, plus
// the set of record keys that had to be force-emitted to break a cycle.
type Result struct {
	Ordered []*record.Data
	Cycles  map[string]bool // keyed by record.Identifier.Key()
}

// Sort orders recs so that every dependency precedes its dependent. Ties
// (nodes with no remaining constraint) are broken by record.Identifier.Less,
// i.e. table name ascending then PK tuple lexicographic; a detected cycle is
// broken by forcing in the lexicographically smallest unresolved node, which
// is recorded in Result.Cycles so the Replay Writer can defer its
// constraints.
func Sort(recs *record.Set) Result {
	all := recs.All()

	inDegree := make(map[string]int, len(all))
	dependents := make(map[string][]string) // dependency key -> dependent keys
	byKey := make(map[string]*record.Data, len(all))
	var keys []string

	for _, d := range all {
		key := d.Identifier.Key()
		byKey[key] = d
		keys = append(keys, key)
		if _, ok := inDegree[key]; !ok {
			inDegree[key] = 0
		}
	}

	for _, d := range all {
		key := d.Identifier.Key()
		for _, dep := range d.SortedDependencies() {
			depKey := dep.Key()
			if _, ok := byKey[depKey]; !ok {
				// dependency target wasn't collected (excluded by a
				// timeframe filter, or a tolerated dangling reference) —
				// it contributes no ordering constraint.
				continue
			}
			inDegree[key]++
			dependents[depKey] = append(dependents[depKey], key)
		}
	}

	sort.Slice(keys, func(i, j int) bool { return byKey[keys[i]].Identifier.Less(byKey[keys[j]].Identifier) })

	var queue []string
	for _, k := range keys {
		if inDegree[k] == 0 {
			queue = append(queue, k)
		}
	}
	sortKeys(queue, byKey)

	processed := make(map[string]bool, len(keys))
	cycles := make(map[string]bool)
	var ordered []string

	for len(ordered) < len(keys) {
		if len(queue) == 0 {
			next := nextUnprocessed(keys, processed)
			if next == "" {
				break
			}
			cycles[next] = true
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

		neighbors := append([]string(nil), dependents[current]...)
		sortKeys(neighbors, byKey)
		for _, n := range neighbors {
			inDegree[n]--
			if inDegree[n] <= 0 && !processed[n] {
				queue = append(queue, n)
				sortKeys(queue, byKey)
			}
		}
	}

	result := Result{Cycles: cycles}
	for _, k := range ordered {
		result.Ordered = append(result.Ordered, byKey[k])
	}
	return result
}

func sortKeys(keys []string, byKey map[string]*record.Data) {
	sort.Slice(keys, func(i, j int) bool { return byKey[keys[i]].Identifier.Less(byKey[keys[j]].Identifier) })
}

func nextUnprocessed(keys []string, processed map[string]bool) string {
	for _, k := range keys {
		if !processed[k] {
			return k
		}
	}
	return ""
}
