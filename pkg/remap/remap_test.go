// SPDX-License-Identifier: Apache-2.0

package remap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgsubset/pgsubset/pkg/record"
	"github.com/pgsubset/pgsubset/pkg/remap"
	"github.com/pgsubset/pgsubset/pkg/schema"
	sorter "github.com/pgsubset/pgsubset/pkg/sort"
	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

func identityTable(name string) *schema.Table {
	t := schema.NewTable(schema.Ref{Schema: "public", Name: name})
	t.AddColumn(&schema.Column{Name: "id", DataType: "integer", IsIdentity: true})
	t.PrimaryKeyColumns = []string{"id"}
	return t
}

func naturalKeyTable(name string) *schema.Table {
	t := schema.NewTable(schema.Ref{Schema: "public", Name: name})
	t.AddColumn(&schema.Column{Name: "code", DataType: "text", IsIdentity: false})
	t.PrimaryKeyColumns = []string{"code"}
	return t
}

func TestBuildAssignsTokensOnlyToIdentityPrimaryKeys(t *testing.T) {
	t.Parallel()

	g := schema.NewGraph()
	g.Put(identityTable("users"))
	g.Put(naturalKeyTable("currencies"))

	recs := record.NewSet()
	userID := record.Identifier{Table: schema.Ref{Schema: "public", Name: "users"}, PKs: []string{"1"}}
	currencyID := record.Identifier{Table: schema.Ref{Schema: "public", Name: "currencies"}, PKs: []string{"usd"}}
	recs.Put(record.NewData(userID))
	recs.Put(record.NewData(currencyID))

	result := sorter.Sort(recs)

	m, err := remap.Build(g, result.Ordered, result.Cycles)
	require.NoError(t, err)

	require.NotEmpty(t, m.Token(userID))
	require.Empty(t, m.Token(currencyID), "a natural-key table is never remapped")
}

func TestBuildFailsOnCyclicIdentityRecord(t *testing.T) {
	t.Parallel()

	g := schema.NewGraph()
	g.Put(identityTable("categories"))

	recs := record.NewSet()
	a := record.NewData(record.Identifier{Table: schema.Ref{Schema: "public", Name: "categories"}, PKs: []string{"10"}})
	a.AddDependency(record.Identifier{Table: schema.Ref{Schema: "public", Name: "categories"}, PKs: []string{"11"}})
	recs.Put(a)

	b := record.NewData(record.Identifier{Table: schema.Ref{Schema: "public", Name: "categories"}, PKs: []string{"11"}})
	b.AddDependency(record.Identifier{Table: schema.Ref{Schema: "public", Name: "categories"}, PKs: []string{"10"}})
	recs.Put(b)

	result := sorter.Sort(recs)
	require.NotEmpty(t, result.Cycles)

	_, err := remap.Build(g, result.Ordered, result.Cycles)
	require.Error(t, err)
	require.IsType(t, xerrors.CycleDetected{}, err)
}

func TestTokenOnNilMapIsAlwaysEmpty(t *testing.T) {
	t.Parallel()

	var m *remap.Map
	require.Empty(t, m.Token(record.Identifier{Table: schema.Ref{Schema: "public", Name: "users"}, PKs: []string{"1"}}))
}
