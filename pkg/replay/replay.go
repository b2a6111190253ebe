// SPDX-License-Identifier: Apache-2.0

// Package replay turns an ordered record set into the replayable SQL
// stream: literal formatting by declared column type, identifier quoting,
// conflict-skip semantics, transaction framing, and — when PK remapping is
// enabled — a procedural block that resolves identity-column primary keys
// at replay time.
package replay

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pgsubset/pgsubset/pkg/record"
	"github.com/pgsubset/pgsubset/pkg/remap"
	"github.com/pgsubset/pgsubset/pkg/schema"
)

// Write renders ordered (the output of pkg/sort.Sort, in dependency-safe
// order) as a single replay script. ddlPrelude, when non-empty, is emitted
// verbatim before the data statements (see pkg/ddl). m may be nil, which is
// equivalent to remapping being disabled.
func Write(graph *schema.Graph, ordered []*record.Data, m *remap.Map, cycles map[string]bool, ddlPrelude string) (string, error) {
	var b bytes.Buffer

	if ddlPrelude != "" {
		b.WriteString(ddlPrelude)
		b.WriteString("\n")
	}

	b.WriteString("BEGIN;\n\n")

	if hasCycleDeferred(ordered, cycles) {
		b.WriteString("SET CONSTRAINTS ALL DEFERRED;\n\n")
	}

	if remapEnabled(m) {
		if err := writeRemapped(&b, graph, ordered, m); err != nil {
			return "", err
		}
	} else {
		for _, d := range ordered {
			stmt, err := plainInsert(graph, d, nil, m)
			if err != nil {
				return "", err
			}
			b.WriteString(stmt)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nCOMMIT;\n")
	return b.String(), nil
}

func remapEnabled(m *remap.Map) bool {
	return m != nil
}

func hasCycleDeferred(ordered []*record.Data, cycles map[string]bool) bool {
	for _, d := range ordered {
		if cycles[d.Identifier.Key()] {
			return true
		}
	}
	return false
}

// writeRemapped emits the whole stream inside one `DO $$ ... $$ LANGUAGE
// plpgsql` block: one local `record` variable per remapped row, captured via
// `RETURNING ... INTO`, and referenced by dependents that carry an FK to it.
func writeRemapped(b *bytes.Buffer, graph *schema.Graph, ordered []*record.Data, m *remap.Map) error {
	var decls []string
	for _, d := range ordered {
		if token := m.Token(d.Identifier); token != "" {
			decls = append(decls, fmt.Sprintf("\t%s record;", token))
		}
	}

	b.WriteString("DO $$\n")
	if len(decls) > 0 {
		b.WriteString("DECLARE\n")
		b.WriteString(strings.Join(decls, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("BEGIN\n")

	for _, d := range ordered {
		stmt, err := remappedInsert(graph, d, m)
		if err != nil {
			return err
		}
		b.WriteString(stmt)
	}

	b.WriteString("END $$ LANGUAGE plpgsql;\n")
	return nil
}

func remappedInsert(graph *schema.Graph, d *record.Data, m *remap.Map) (string, error) {
	t := graph.Get(d.Identifier.Table)
	if t == nil {
		return "", fmt.Errorf("replay: table %s not present in schema graph", d.Identifier.Table)
	}

	token := m.Token(d.Identifier)

	var cols []string
	var vals []string
	for _, c := range t.Columns {
		if token != "" && isPKColumn(t, c.Name) {
			continue // let the target sequence assign identity PKs
		}
		cols = append(cols, pq.QuoteIdentifier(c.Name))
		vals = append(vals, literalForColumn(d, t, c, m))
	}

	insert := fmt.Sprintf("\tINSERT INTO %s.%s (%s) VALUES (%s)",
		pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name), strings.Join(cols, ", "), strings.Join(vals, ", "))

	if token == "" {
		if len(t.PrimaryKeyColumns) > 0 {
			insert += fmt.Sprintf("\n\tON CONFLICT (%s) DO NOTHING;\n", quoteIdentList(t.PrimaryKeyColumns))
		} else {
			insert += " ON CONFLICT DO NOTHING;\n"
		}
		return insert, nil
	}

	insert += fmt.Sprintf("\n\tON CONFLICT DO NOTHING\n\tRETURNING %s INTO %s;\n", quoteIdentList(t.PrimaryKeyColumns), token)

	if uc := firstUniqueConstraint(t); uc != nil {
		var eqs []string
		for _, col := range uc.Columns {
			eqs = append(eqs, fmt.Sprintf("%s = %s", pq.QuoteIdentifier(col), literalForColumn(d, t, t.Column(col), nil)))
		}
		insert += fmt.Sprintf("\tIF %s.%s IS NULL THEN\n\t\tSELECT %s INTO %s FROM %s.%s WHERE %s;\n\tEND IF;\n",
			token, t.PrimaryKeyColumns[0],
			quoteIdentList(t.PrimaryKeyColumns), token,
			pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name),
			strings.Join(eqs, " AND "))
	}

	return insert, nil
}

// plainInsert renders a record as a standalone INSERT with on-conflict
// semantics; used when remapping is disabled for the whole run.
func plainInsert(graph *schema.Graph, d *record.Data, _ []string, m *remap.Map) (string, error) {
	t := graph.Get(d.Identifier.Table)
	if t == nil {
		return "", fmt.Errorf("replay: table %s not present in schema graph", d.Identifier.Table)
	}

	var cols []string
	var vals []string
	for _, c := range t.Columns {
		cols = append(cols, pq.QuoteIdentifier(c.Name))
		vals = append(vals, literalForColumn(d, t, c, m))
	}

	stmt := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name), strings.Join(cols, ", "), strings.Join(vals, ", "))

	if len(t.PrimaryKeyColumns) > 0 {
		stmt += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING;", quoteIdentList(t.PrimaryKeyColumns))
	} else {
		stmt += " ON CONFLICT DO NOTHING;"
	}
	return stmt, nil
}

func isPKColumn(t *schema.Table, name string) bool {
	for _, pk := range t.PrimaryKeyColumns {
		if pk == name {
			return true
		}
	}
	return false
}

func firstUniqueConstraint(t *schema.Table) *schema.UniqueConstraint {
	if len(t.UniqueConstraints) == 0 {
		return nil
	}
	return t.UniqueConstraints[0]
}

// literalForColumn formats a record's value for column c. When the value's
// table has an outgoing FK through c whose target was remapped, the
// placeholder reference (e.g. `v_roles_x.id`) is emitted instead of a
// literal.
func literalForColumn(d *record.Data, t *schema.Table, c *schema.Column, m *remap.Map) string {
	if m != nil {
		if ref, col, ok := remappedReference(t, c.Name, d, m); ok {
			return fmt.Sprintf("%s.%s", ref, col)
		}
	}
	return formatLiteral(d.ColumnValues[c.Name], c.DataType)
}

// remappedReference reports whether column colName is the (sole) column of
// an outgoing FK whose resolved target was remapped, returning the
// plpgsql variable and target PK column to reference.
func remappedReference(t *schema.Table, colName string, d *record.Data, m *remap.Map) (string, string, bool) {
	for _, fk := range t.OutgoingFKs {
		if len(fk.FromColumns) != 1 || fk.FromColumns[0] != colName {
			continue
		}
		dep, ok := d.Dependencies[depKey(fk, d)]
		if !ok {
			return "", "", false
		}
		token := m.Token(dep)
		if token == "" {
			return "", "", false
		}
		return token, fk.ToColumns[0], true
	}
	return "", "", false
}

func depKey(fk *schema.ForeignKey, d *record.Data) string {
	vals := make([]string, len(fk.FromColumns))
	for i, col := range fk.FromColumns {
		vals[i] = formatRaw(d.ColumnValues[col])
	}
	return fmt.Sprintf("%s|%s", fk.ToTable.String(), strings.Join(vals, ","))
}

func formatRaw(v any) string {
	if v == nil {
		return ""
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

func quoteIdentList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}

// formatLiteral renders v as a SQL literal according to dataType, the
// declared Postgres type string returned by introspection — types are never
// inferred from the runtime value, only from the catalog.
func formatLiteral(v any, dataType string) string {
	if v == nil {
		return "NULL"
	}

	if strings.HasSuffix(dataType, "[]") {
		return formatArray(v, dataType)
	}

	switch dataType {
	case "boolean":
		if b, ok := v.(bool); ok {
			if b {
				return "TRUE"
			}
			return "FALSE"
		}
	case "bytea":
		if b, ok := v.([]byte); ok {
			return fmt.Sprintf("E'\\\\x%s'", hex.EncodeToString(b))
		}
	case "json", "jsonb":
		return quoteString(toText(v)) + "::" + dataType
	}

	switch t := v.(type) {
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case int64, int32, int:
		return fmt.Sprintf("%d", t)
	case float32, float64:
		return fmt.Sprintf("%v", t)
	case time.Time:
		layout := "2006-01-02T15:04:05.999999Z07:00"
		if strings.HasPrefix(dataType, "date") {
			layout = "2006-01-02"
		}
		return quoteString(t.Format(layout))
	case []byte:
		return quoteString(string(t)) + userDefinedCast(dataType)
	case string:
		return quoteString(t) + userDefinedCast(dataType)
	default:
		return quoteString(fmt.Sprintf("%v", t)) + userDefinedCast(dataType)
	}
}

func formatArray(v any, dataType string) string {
	text := toText(v)
	return quoteString(text) + "::" + dataType
}

func toText(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// userDefinedCast appends an explicit type cast for any column whose
// declared type is not one of the handful Postgres treats as an unquoted or
// implicitly-castable literal, so enums, domains and composite types
// round-trip exactly.
func userDefinedCast(dataType string) string {
	switch dataType {
	case "text", "character varying", "varchar", "char", "character", "name", "":
		return ""
	}
	if strings.HasPrefix(dataType, "character varying") || strings.HasPrefix(dataType, "character") || strings.HasPrefix(dataType, "numeric") {
		return ""
	}
	return "::" + dataType
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
