// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/pgsubset/pgsubset/pkg/db"
	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

// Introspector queries a single Postgres catalog, materialising Table
// entries into a shared Graph as they are first requested. A Table, once
// built, is never mutated again.
type Introspector struct {
	conn db.DB
}

// New creates an Introspector bound to conn. conn is never closed by the
// Introspector; the caller owns its lifecycle.
func New(conn db.DB) *Introspector {
	return &Introspector{conn: conn}
}

// ListTables returns every base table (relkind 'r' or 'p') in schemaName.
func (i *Introspector) ListTables(ctx context.Context, schemaName string) ([]Ref, error) {
	rows, err := i.conn.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind IN ('r', 'p')
		ORDER BY c.relname`, schemaName)
	if err != nil {
		return nil, xerrors.IntrospectionError{Reason: err.Error()}
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, xerrors.IntrospectionError{Reason: err.Error()}
		}
		refs = append(refs, Ref{Schema: schemaName, Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.IntrospectionError{Reason: err.Error()}
	}
	return refs, nil
}

// GetTable returns a fully populated Table for ref, including incoming
// foreign keys discovered from anywhere in the reachable schema, not only
// those that target ref directly — incoming edges require a catalog-wide
// scan of pg_constraint, performed for each table the first time it is
// requested; the resulting Table is cached on g.
func (i *Introspector) GetTable(ctx context.Context, g *Graph, ref Ref) (*Table, error) {
	if t := g.Get(ref); t != nil {
		return t, nil
	}

	exists, err := i.tableExists(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, xerrors.SchemaNotFound{Schema: ref.Schema, Table: ref.Name}
	}

	t := NewTable(ref)

	if err := i.loadColumns(ctx, t); err != nil {
		return nil, err
	}
	if err := i.loadPrimaryKey(ctx, t); err != nil {
		return nil, err
	}
	if err := i.loadUniqueConstraints(ctx, t); err != nil {
		return nil, err
	}
	if err := i.loadOutgoingFKs(ctx, t); err != nil {
		return nil, err
	}
	if err := i.loadIncomingFKs(ctx, t); err != nil {
		return nil, err
	}

	g.Put(t)
	return t, nil
}

func (i *Introspector) tableExists(ctx context.Context, ref Ref) (bool, error) {
	rows, err := i.conn.QueryContext(ctx, `
		SELECT 1
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind IN ('r', 'p')`,
		ref.Schema, ref.Name)
	if err != nil {
		return false, xerrors.IntrospectionError{Reason: err.Error()}
	}
	defer rows.Close()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, xerrors.IntrospectionError{Reason: err.Error()}
	}
	return found, nil
}

// loadColumns walks pg_attribute as a parameterized query rather than a
// stored function, since the introspector must work over a read-only
// connection with no DDL privileges to install one.
func (i *Introspector) loadColumns(ctx context.Context, t *Table) error {
	rows, err := i.conn.QueryContext(ctx, `
		SELECT
			attr.attname,
			attr.attnum,
			format_type(attr.atttypid, attr.atttypmod) AS data_type,
			NOT (attr.attnotnull OR tp.typtype = 'd' AND tp.typnotnull) AS nullable,
			pg_get_expr(def.adbin, def.adrelid) AS default_expr,
			attr.attidentity <> '' AS is_identity
		FROM pg_attribute attr
		JOIN pg_class c ON c.oid = attr.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_type tp ON attr.atttypid = tp.oid
		LEFT JOIN pg_attrdef def ON attr.attrelid = def.adrelid AND attr.attnum = def.adnum
		WHERE n.nspname = $1 AND c.relname = $2
			AND attr.attnum > 0 AND NOT attr.attisdropped
		ORDER BY attr.attnum`, t.Schema, t.Name)
	if err != nil {
		return xerrors.IntrospectionError{Reason: err.Error()}
	}
	defer rows.Close()

	for rows.Next() {
		c := &Column{}
		var defaultExpr *string
		var isIdentity bool
		if err := rows.Scan(&c.Name, &c.Ordinal, &c.DataType, &c.Nullable, &defaultExpr, &isIdentity); err != nil {
			return xerrors.IntrospectionError{Reason: err.Error()}
		}
		c.Default = defaultExpr
		// A column is identity either via GENERATED ... AS IDENTITY, or via a
		// nextval() sequence default (the classic serial/bigserial idiom).
		c.IsIdentity = isIdentity || (defaultExpr != nil && isSequenceDefault(*defaultExpr))
		t.AddColumn(c)
	}
	return rows.Err()
}

func isSequenceDefault(expr string) bool {
	return len(expr) > len("nextval(") && expr[:len("nextval(")] == "nextval("
}

func (i *Introspector) loadPrimaryKey(ctx context.Context, t *Table) error {
	rows, err := i.conn.QueryContext(ctx, `
		SELECT attr.attname
		FROM pg_index idx
		JOIN pg_class c ON c.oid = idx.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute attr ON attr.attrelid = c.oid AND attr.attnum = ANY(idx.indkey)
		WHERE n.nspname = $1 AND c.relname = $2 AND idx.indisprimary
		ORDER BY array_position(idx.indkey, attr.attnum)`, t.Schema, t.Name)
	if err != nil {
		return xerrors.IntrospectionError{Reason: err.Error()}
	}
	defer rows.Close()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return xerrors.IntrospectionError{Reason: err.Error()}
		}
		t.PrimaryKeyColumns = append(t.PrimaryKeyColumns, col)
	}
	return rows.Err()
}

func (i *Introspector) loadUniqueConstraints(ctx context.Context, t *Table) error {
	rows, err := i.conn.QueryContext(ctx, `
		SELECT con.conname, array_agg(attr.attname ORDER BY ord.n)
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN unnest(con.conkey) WITH ORDINALITY AS ord(attnum, n) ON true
		JOIN pg_attribute attr ON attr.attrelid = c.oid AND attr.attnum = ord.attnum
		WHERE n.nspname = $1 AND c.relname = $2 AND con.contype = 'u'
		GROUP BY con.conname`, t.Schema, t.Name)
	if err != nil {
		return xerrors.IntrospectionError{Reason: err.Error()}
	}
	defer rows.Close()

	for rows.Next() {
		uc := &UniqueConstraint{}
		if err := rows.Scan(&uc.Name, pq.Array(&uc.Columns)); err != nil {
			return xerrors.IntrospectionError{Reason: err.Error()}
		}
		t.UniqueConstraints = append(t.UniqueConstraints, uc)
	}
	return rows.Err()
}

func (i *Introspector) loadOutgoingFKs(ctx context.Context, t *Table) error {
	fks, err := i.loadFKsWhere(ctx, "con.conrelid = tc.oid", t.Schema, t.Name)
	if err != nil {
		return err
	}
	t.OutgoingFKs = fks
	return nil
}

// loadIncomingFKs scans for every foreign key anywhere in the catalog whose
// *referenced* table is t, regardless of which schema it was declared in.
// This is the "inverse index" invariant required by spec.md §3/§4.1.
func (i *Introspector) loadIncomingFKs(ctx context.Context, t *Table) error {
	fks, err := i.loadFKsWhere(ctx, "con.confrelid = tc.oid", t.Schema, t.Name)
	if err != nil {
		return err
	}
	t.IncomingFKs = fks
	return nil
}

func (i *Introspector) loadFKsWhere(ctx context.Context, predicate, schemaName, tableName string) ([]*ForeignKey, error) {
	query := fmt.Sprintf(`
		SELECT
			con.conname,
			fn.nspname, fc.relname,
			array_agg(fattr.attname ORDER BY fo.n),
			rn.nspname, rc.relname,
			array_agg(rattr.attname ORDER BY fo.n),
			CASE con.confdeltype
				WHEN 'a' THEN 'NO ACTION'
				WHEN 'r' THEN 'RESTRICT'
				WHEN 'c' THEN 'CASCADE'
				WHEN 'd' THEN 'SET DEFAULT'
				WHEN 'n' THEN 'SET NULL'
			END
		FROM pg_constraint con
		JOIN pg_class tc ON %[1]s
		JOIN pg_namespace tn ON tn.oid = tc.relnamespace AND tn.nspname = $1 AND tc.relname = $2
		JOIN pg_class fc ON fc.oid = con.conrelid
		JOIN pg_namespace fn ON fn.oid = fc.relnamespace
		JOIN pg_class rc ON rc.oid = con.confrelid
		JOIN pg_namespace rn ON rn.oid = rc.relnamespace
		JOIN unnest(con.conkey) WITH ORDINALITY AS fo(attnum, n) ON true
		JOIN pg_attribute fattr ON fattr.attrelid = fc.oid AND fattr.attnum = fo.attnum
		JOIN unnest(con.confkey) WITH ORDINALITY AS ro(attnum, n) ON ro.n = fo.n
		JOIN pg_attribute rattr ON rattr.attrelid = rc.oid AND rattr.attnum = ro.attnum
		WHERE con.contype = 'f' AND %[1]s
		GROUP BY con.conname, fn.nspname, fc.relname, rn.nspname, rc.relname, con.confdeltype`,
		predicate)

	rows, err := i.conn.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, xerrors.IntrospectionError{Reason: err.Error()}
	}
	defer rows.Close()

	var fks []*ForeignKey
	for rows.Next() {
		fk := &ForeignKey{}
		var fromSchema, fromTable, toSchema, toTable string
		if err := rows.Scan(
			&fk.Name,
			&fromSchema, &fromTable, pq.Array(&fk.FromColumns),
			&toSchema, &toTable, pq.Array(&fk.ToColumns),
			&fk.OnDeleteAction,
		); err != nil {
			return nil, xerrors.IntrospectionError{Reason: err.Error()}
		}
		fk.FromTable = Ref{Schema: fromSchema, Name: fromTable}
		fk.ToTable = Ref{Schema: toSchema, Name: toTable}
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.IntrospectionError{Reason: err.Error()}
	}
	return fks, nil
}
