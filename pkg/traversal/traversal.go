// SPDX-License-Identifier: Apache-2.0

// Package traversal implements the bidirectional breadth-first expansion
// over foreign-key edges that forms the core of an extraction run.
package traversal

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgsubset/pgsubset/pkg/db"
	"github.com/pgsubset/pgsubset/pkg/record"
	"github.com/pgsubset/pgsubset/pkg/schema"
	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

// Mode controls whether self-referencing foreign key edges are followed.
type Mode int

const (
	// Strict is the default: incoming self-referencing FK edges are never
	// followed, and an outgoing self-referencing FK is followed one hop only
	// (from a record that was not itself reached through a self-reference).
	Strict Mode = iota
	// Wide follows every FK edge uniformly, including self-references.
	Wide
)

// Seed names a starting record for the traversal.
type Seed struct {
	Table schema.Ref
	PKs   []string
}

// Filter restricts which rows of Table are admitted, both as seeds (when
// applicable) and via incoming-FK discovery. It is also applied when a row
// of Table is fetched as the target of an outgoing FK, so a target outside
// the bounds is not collected and is reported as a dangling reference.
// Bounds are inclusive.
type Filter struct {
	Table schema.Ref
	Column string
	Lower  string
	Upper  string
}

// Warning is a non-fatal condition surfaced during traversal (currently only
// dangling references) for the caller to log.
type Warning struct {
	FromTable string
	ToTable   string
	Values    []string
}

// Engine walks a schema graph outward from a set of seed records.
type Engine struct {
	conn         db.DB
	introspector *schema.Introspector
	graph        *schema.Graph
	mode         Mode
	filters      map[string]Filter // keyed by schema.Ref.String()
	depthLimit   int               // 0 means unlimited
	strictDangling bool

	Warnings []Warning
}

// New creates a traversal Engine. graph may be pre-populated from the schema
// cache; tables not yet present are introspected lazily via conn.
func New(conn db.DB, introspector *schema.Introspector, graph *schema.Graph, mode Mode, filters []Filter, depthLimit int, strictDangling bool) *Engine {
	fm := make(map[string]Filter, len(filters))
	for _, f := range filters {
		fm[f.Table.String()] = f
	}
	return &Engine{
		conn:           conn,
		introspector:   introspector,
		graph:          graph,
		mode:           mode,
		filters:        fm,
		depthLimit:     depthLimit,
		strictDangling: strictDangling,
	}
}

type queueItem struct {
	id    record.Identifier
	depth int
	// fromTable names the table an outgoing FK was resolved from, set only
	// when this item was enqueued by expandOutgoing; used to attribute a
	// dangling-reference warning if the row turns out not to exist.
	fromTable string
	// viaSelfRef is true when this item was enqueued by following a
	// self-referencing outgoing FK. In Strict mode a record entered this way
	// has its own self-referencing edges suppressed, so the chain extends
	// exactly one hop past whatever record discovered it.
	viaSelfRef bool
}

// Run walks outward from seeds and returns the closed set of records
// reachable by FK edges, with dependency edges recorded on each.
func (e *Engine) Run(ctx context.Context, seeds []Seed) (*record.Set, error) {
	if err := e.validateFilters(ctx); err != nil {
		return nil, err
	}

	records := record.NewSet()
	visited := make(map[string]bool)
	var queue []queueItem

	for _, s := range seeds {
		id := record.Identifier{Table: s.Table, PKs: s.PKs}
		queue = append(queue, queueItem{id: id, depth: 0})
	}

	for len(queue) > 0 {
		head := queue[0]
		if visited[head.id.Key()] {
			queue = queue[1:]
			continue
		}

		table := head.id.Table
		var batch []queueItem
		var remaining []queueItem
		for _, item := range queue {
			if !visited[item.id.Key()] && item.id.Table == table && len(item.id.PKs) == 1 && len(head.id.PKs) == 1 {
				batch = append(batch, item)
			} else {
				remaining = append(remaining, item)
			}
		}
		if len(batch) == 0 {
			// composite-key row: falls back to a single-row select
			batch = []queueItem{head}
			remaining = remaining[:0]
			for _, item := range queue[1:] {
				remaining = append(remaining, item)
			}
		}
		queue = remaining

		for _, item := range batch {
			visited[item.id.Key()] = true
		}

		t, err := e.introspector.GetTable(ctx, e.graph, table)
		if err != nil {
			return nil, err
		}

		rows, err := e.fetchBatch(ctx, t, batch)
		if err != nil {
			return nil, err
		}

		fetched := make(map[string]bool, len(rows))
		for _, row := range rows {
			fetched[row.id.Key()] = true

			d := record.NewData(row.id)
			d.ColumnValues = row.values
			records.Put(d)

			if err := e.expandOutgoing(ctx, t, d, row.depth, row.viaSelfRef, &queue); err != nil {
				return nil, err
			}
			if err := e.expandIncoming(ctx, t, []*record.Data{d}, row.depth, visited, &queue); err != nil {
				return nil, err
			}
		}

		for _, item := range batch {
			if fetched[item.id.Key()] || item.fromTable == "" {
				continue
			}
			w := Warning{FromTable: item.fromTable, ToTable: table.String(), Values: item.id.PKs}
			if e.strictDangling {
				return nil, xerrors.DanglingReference{FromTable: w.FromTable, ToTable: w.ToTable, Value: strings.Join(w.Values, ",")}
			}
			e.Warnings = append(e.Warnings, w)
		}
	}

	return records, nil
}

func (e *Engine) validateFilters(ctx context.Context) error {
	for _, f := range e.filters {
		t, err := e.introspector.GetTable(ctx, e.graph, f.Table)
		if err != nil {
			if _, ok := err.(xerrors.SchemaNotFound); ok {
				// A filter on a table the traversal never reaches is inert;
				// but a filter naming a non-existent table is still a
				// malformed invocation.
				return xerrors.InvalidFilter{Reason: fmt.Sprintf("table %q does not exist", f.Table)}
			}
			return err
		}
		col := t.Column(f.Column)
		if col == nil {
			return xerrors.InvalidFilter{Reason: fmt.Sprintf("column %q does not exist on table %q", f.Column, f.Table)}
		}
		if !col.IsDateTime() {
			return xerrors.InvalidFilter{Reason: fmt.Sprintf("column %q on table %q is not a date/time type", f.Column, f.Table)}
		}
	}
	return nil
}

type fetchedRow struct {
	id         record.Identifier
	values     map[string]any
	depth      int
	viaSelfRef bool
}

// fetchBatch issues one SELECT for every item in batch, collapsed into a
// single `WHERE pk IN (...)` when the table's primary key is a single
// column, per spec's core batching requirement.
func (e *Engine) fetchBatch(ctx context.Context, t *schema.Table, batch []queueItem) ([]fetchedRow, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name
	}
	colList := quoteIdentList(cols)

	var whereClause string
	var args []any

	if len(t.PrimaryKeyColumns) == 1 {
		pkCol := t.PrimaryKeyColumns[0]
		placeholders := make([]string, len(batch))
		for i, item := range batch {
			args = append(args, item.id.PKs[0])
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		whereClause = fmt.Sprintf("%s IN (%s)", pq.QuoteIdentifier(pkCol), strings.Join(placeholders, ", "))
	} else {
		var clauses []string
		for _, item := range batch {
			var eqs []string
			for _, pkCol := range t.PrimaryKeyColumns {
				args = append(args, item.id.PKs[len(eqs)])
				eqs = append(eqs, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(pkCol), len(args)))
			}
			clauses = append(clauses, "("+strings.Join(eqs, " AND ")+")")
		}
		whereClause = strings.Join(clauses, " OR ")
	}

	if f, ok := e.filters[t.Ref.String()]; ok {
		whereClause = fmt.Sprintf("(%s) AND %s BETWEEN $%d AND $%d", whereClause, pq.QuoteIdentifier(f.Column), len(args)+1, len(args)+2)
		args = append(args, f.Lower, f.Upper)
	}

	query := fmt.Sprintf("SELECT %s FROM %s.%s WHERE %s", colList, pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name), whereClause)

	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.FetchError{Table: t.Ref.String(), Reason: err.Error()}
	}
	defer rows.Close()

	depthByPK := make(map[string]int, len(batch))
	viaSelfRefByPK := make(map[string]bool, len(batch))
	for _, item := range batch {
		depthByPK[item.id.Key()] = item.depth
		viaSelfRefByPK[item.id.Key()] = item.viaSelfRef
	}

	var out []fetchedRow
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, xerrors.FetchError{Table: t.Ref.String(), Reason: err.Error()}
		}

		values := make(map[string]any, len(cols))
		for i, c := range cols {
			values[c] = dest[i]
		}

		pks := make([]string, len(t.PrimaryKeyColumns))
		for i, pkCol := range t.PrimaryKeyColumns {
			pks[i] = formatValue(values[pkCol])
		}
		id := record.Identifier{Table: t.Ref, PKs: pks}

		out = append(out, fetchedRow{id: id, values: values, depth: depthByPK[id.Key()], viaSelfRef: viaSelfRefByPK[id.Key()]})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.FetchError{Table: t.Ref.String(), Reason: err.Error()}
	}
	return out, nil
}

// expandOutgoing resolves every outgoing FK of d's table whose columns are
// all non-null, always recording the dependency edge (the referenced record
// invariant holds for every collected record, self-referencing or not) and
// enqueuing the target when it still needs to be fetched. A self-referencing
// FK is always resolved for d itself, even when d is the seed, so the row it
// points at is collected and the FK it carries stays satisfiable in the
// replay stream. In Strict mode the chain stops one hop later: viaSelfRef
// marks that d was itself reached by following a self-referencing edge, and
// in that case d's own self-referencing targets are not enqueued for a
// further hop (the dependency edge is still recorded, which is what lets a
// genuine self-referencing cycle still be detected).
func (e *Engine) expandOutgoing(ctx context.Context, t *schema.Table, d *record.Data, depth int, viaSelfRef bool, queue *[]queueItem) error {
	for _, fk := range t.OutgoingFKs {
		selfRef := fk.ToTable == fk.FromTable

		vals := make([]string, len(fk.FromColumns))
		allNonNull := true
		for i, col := range fk.FromColumns {
			v := d.ColumnValues[col]
			if v == nil {
				allNonNull = false
				break
			}
			vals[i] = formatValue(v)
		}
		if !allNonNull {
			continue
		}

		targetID := record.Identifier{Table: fk.ToTable, PKs: vals}
		d.AddDependency(targetID)

		if e.mode == Strict && selfRef && viaSelfRef {
			continue
		}
		if e.depthLimit > 0 && depth >= e.depthLimit {
			continue
		}
		*queue = append(*queue, queueItem{id: targetID, depth: depth + 1, fromTable: t.Ref.String(), viaSelfRef: selfRef})
	}
	return nil
}

// expandIncoming discovers, for each incoming FK of t, rows in the
// referencing table matching the just-fetched batch's values for the
// referenced columns, and enqueues them.
func (e *Engine) expandIncoming(ctx context.Context, t *schema.Table, batch []*record.Data, depth int, visited map[string]bool, queue *[]queueItem) error {
	for _, fk := range t.IncomingFKs {
		if e.mode == Strict && fk.ToTable == fk.FromTable {
			continue
		}
		if e.depthLimit > 0 && depth >= e.depthLimit {
			continue
		}

		refTable, err := e.introspector.GetTable(ctx, e.graph, fk.FromTable)
		if err != nil {
			return err
		}

		// collect distinct values of the referenced columns across the batch
		valueSet := make(map[string][]string) // column -> distinct values, preserving the single-column common case
		if len(fk.ToColumns) == 1 {
			col := fk.ToColumns[0]
			seen := make(map[string]bool)
			var vals []string
			for _, d := range batch {
				v := formatValue(d.ColumnValues[col])
				if !seen[v] {
					seen[v] = true
					vals = append(vals, v)
				}
			}
			valueSet[col] = vals
		}
		if len(valueSet) == 0 {
			continue
		}

		rows, err := e.fetchReferencing(ctx, refTable, fk.FromColumns, fk.ToColumns, valueSet)
		if err != nil {
			return err
		}

		for _, row := range rows {
			if visited[row.id.Key()] {
				continue
			}
			*queue = append(*queue, queueItem{id: row.id, depth: depth + 1})
		}
	}
	return nil
}

// fetchReferencing selects every row of refTable whose fromCols match the
// given value set for the corresponding toCols, applying a timeframe filter
// on refTable if one is configured.
func (e *Engine) fetchReferencing(ctx context.Context, refTable *schema.Table, fromCols, toCols []string, valueSet map[string][]string) ([]fetchedRow, error) {
	if len(fromCols) != 1 {
		// composite incoming FK: not followed; no referencing rows are
		// fetched for it.
		return nil, nil
	}

	col := fromCols[0]
	vals := valueSet[toCols[0]]
	if len(vals) == 0 {
		return nil, nil
	}

	cols := make([]string, len(refTable.Columns))
	for i, c := range refTable.Columns {
		cols[i] = c.Name
	}
	colList := quoteIdentList(cols)

	placeholders := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	whereClause := fmt.Sprintf("%s IN (%s)", pq.QuoteIdentifier(col), strings.Join(placeholders, ", "))

	if f, ok := e.filters[refTable.Ref.String()]; ok {
		whereClause = fmt.Sprintf("(%s) AND %s BETWEEN $%d AND $%d", whereClause, pq.QuoteIdentifier(f.Column), len(args)+1, len(args)+2)
		args = append(args, f.Lower, f.Upper)
	}

	query := fmt.Sprintf("SELECT %s FROM %s.%s WHERE %s", colList, pq.QuoteIdentifier(refTable.Schema), pq.QuoteIdentifier(refTable.Name), whereClause)

	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.FetchError{Table: refTable.Ref.String(), Reason: err.Error()}
	}
	defer rows.Close()

	var out []fetchedRow
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, xerrors.FetchError{Table: refTable.Ref.String(), Reason: err.Error()}
		}

		values := make(map[string]any, len(cols))
		for i, c := range cols {
			values[c] = dest[i]
		}

		pks := make([]string, len(refTable.PrimaryKeyColumns))
		for i, pkCol := range refTable.PrimaryKeyColumns {
			pks[i] = formatValue(values[pkCol])
		}
		out = append(out, fetchedRow{id: record.Identifier{Table: refTable.Ref, PKs: pks}, values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.FetchError{Table: refTable.Ref.String(), Reason: err.Error()}
	}
	return out, nil
}

func quoteIdentList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
