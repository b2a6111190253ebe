// SPDX-License-Identifier: Apache-2.0

// Package extract is the orchestrator: it owns the single source connection
// for a run and wires the schema cache, introspector, traversal engine,
// dependency sorter, PK remapper, DDL generator and replay writer together
// in the order the pipeline requires.
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pgsubset/pgsubset/internal/logging"
	"github.com/pgsubset/pgsubset/pkg/cache"
	"github.com/pgsubset/pgsubset/pkg/db"
	"github.com/pgsubset/pgsubset/pkg/ddl"
	"github.com/pgsubset/pgsubset/pkg/record"
	"github.com/pgsubset/pgsubset/pkg/remap"
	"github.com/pgsubset/pgsubset/pkg/replay"
	"github.com/pgsubset/pgsubset/pkg/schema"
	sorter "github.com/pgsubset/pgsubset/pkg/sort"
	"github.com/pgsubset/pgsubset/pkg/traversal"
	"github.com/pgsubset/pgsubset/pkg/xerrors"
)

// SeedSpec names the rows a run begins from: either explicit primary-key
// values (one seed per value when Table has a single-column key, one
// composite PK tuple otherwise), or (when Timeframe is set) every row of
// Table within the timeframe bound, treated as one seed per row.
type SeedSpec struct {
	Table     string
	PKs       []string
	Timeframe *TimeframeSpec
}

// TimeframeSpec restricts rows of Table to column values BETWEEN Lower AND
// Upper; used both for seed selection and for --truncate scoping of a
// related table.
type TimeframeSpec struct {
	Table  string
	Column string
	Lower  string
	Upper  string
}

// OutputSink receives the finished replay stream. WriteReplay is called
// exactly once, after the whole stream has been assembled in memory, so a
// failure partway through traversal never produces partial output.
type OutputSink interface {
	WriteReplay(content string) error
}

// FileSink writes the stream to Path via write-to-temp-then-rename, so a
// reader never observes a truncated file.
type FileSink struct {
	Path string
}

func (s FileSink) WriteReplay(content string) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.OutputError{Reason: err.Error()}
	}

	tmp, err := os.CreateTemp(dir, ".pgsubset-replay-*.sql")
	if err != nil {
		return xerrors.OutputError{Reason: err.Error()}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xerrors.OutputError{Reason: err.Error()}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return xerrors.OutputError{Reason: err.Error()}
	}

	if err := os.Rename(tmpPath, s.Path); err != nil {
		os.Remove(tmpPath)
		return xerrors.OutputError{Reason: err.Error()}
	}
	return nil
}

// WriterSink writes the stream to an already-open io.Writer, used for
// standard output.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) WriteReplay(content string) error {
	if _, err := io.WriteString(s.W, content); err != nil {
		return xerrors.OutputError{Reason: err.Error()}
	}
	return nil
}

// RunConfig is the validated configuration for one extraction run.
type RunConfig struct {
	Host, Port, User, Password, Database, SchemaName string

	Seeds     []SeedSpec
	Truncates []TimeframeSpec

	Mode    traversal.Mode
	KeepPKs bool

	CreateSchema bool

	Output OutputSink

	RequireReadOnly      bool
	AllowWriteConnection bool

	NoCache    bool
	ClearCache bool
	CacheDir   string // override for tests; "" selects ~/.pgsubset
	CacheTTL   time.Duration

	ConnectionTTL time.Duration

	DepthLimit     int
	StrictDangling bool

	Logger logging.Logger
}

// Result summarises a completed run for the caller to report.
type Result struct {
	RecordCount int
	CycleCount  int
	Warnings    []traversal.Warning
}

// Run executes one extraction: connect, optionally load the schema graph
// from cache, traverse, sort, remap, generate DDL, write the replay stream
// to cfg.Output.
func Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("")
	}

	conn, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rdb := &db.RDB{DB: conn}

	if err := enforceReadOnly(ctx, rdb, cfg); err != nil {
		return nil, err
	}

	schemaCache, cacheKey, err := openCache(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.ClearCache {
		if err := schemaCache.Clear(ctx); err != nil {
			return nil, xerrors.ConnectionError{Reason: fmt.Sprintf("clearing schema cache: %s", err)}
		}
	}

	introspector := schema.New(rdb)

	graph := schema.NewGraph()
	if !cfg.NoCache {
		if cached, ok, err := schemaCache.Load(ctx, cacheKey); err == nil && ok {
			graph = cached
		}
	}

	logger.LogIntrospectionStart(cfg.SchemaName)

	seeds, err := resolveSeeds(ctx, rdb, introspector, graph, cfg)
	if err != nil {
		return nil, err
	}

	filters, err := resolveFilters(cfg)
	if err != nil {
		return nil, err
	}

	engine := traversal.New(rdb, introspector, graph, cfg.Mode, filters, cfg.DepthLimit, cfg.StrictDangling)

	records, err := engine.Run(ctx, seeds)
	if err != nil {
		return nil, err
	}

	for _, w := range engine.Warnings {
		logger.LogDanglingReference(w.FromTable, w.ToTable)
	}

	if !cfg.NoCache {
		if err := schemaCache.Store(ctx, cacheKey, graph); err != nil {
			logger.Warn("failed to store schema cache", "error", err.Error())
		}
	}

	logger.LogIntrospectionComplete(cfg.SchemaName, len(graph.Tables))

	sortResult := sorter.Sort(records)
	logger.LogSortComplete(len(sortResult.Ordered), len(sortResult.Cycles))

	var pkMap *remap.Map
	if !cfg.KeepPKs {
		pkMap, err = remap.Build(graph, sortResult.Ordered, sortResult.Cycles)
		if err != nil {
			return nil, err
		}
	}

	var ddlPrelude string
	if cfg.CreateSchema {
		refs := collectedRefs(records)
		ddlPrelude, err = ddl.Generate(graph, refs, "")
		if err != nil {
			return nil, err
		}
	}

	stream, err := replay.Write(graph, sortResult.Ordered, pkMap, sortResult.Cycles, ddlPrelude)
	if err != nil {
		return nil, err
	}

	if err := cfg.Output.WriteReplay(stream); err != nil {
		return nil, err
	}

	logger.LogReplayComplete(len(sortResult.Ordered))

	return &Result{
		RecordCount: len(sortResult.Ordered),
		CycleCount:  len(sortResult.Cycles),
		Warnings:    engine.Warnings,
	}, nil
}

// Connect opens the single connection a run or inspection command uses:
// build the DSN, append search_path, ping, then apply a statement timeout
// derived from cfg.ConnectionTTL. Only the connection fields and
// ConnectionTTL of cfg are consulted, so cmd can call this directly for the
// read-only inspection commands (tables, describe, graph) without
// assembling a full RunConfig.
func Connect(ctx context.Context, cfg RunConfig) (*sql.DB, error) {
	dsn := buildDSN(cfg)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, xerrors.ConnectionError{Reason: err.Error()}
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, xerrors.ConnectionError{Reason: err.Error()}
	}

	if cfg.ConnectionTTL > 0 {
		stmt := fmt.Sprintf("SET statement_timeout to '%dms'", cfg.ConnectionTTL.Milliseconds())
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, xerrors.ConnectionError{Reason: fmt.Sprintf("setting statement_timeout: %s", err)}
		}
	}

	return conn, nil
}

// buildDSN assembles a libpq keyword/value connection string. Every value is
// single-quoted with backslashes and embedded quotes escaped, the format
// libpq itself requires for values that may contain special characters.
func buildDSN(cfg RunConfig) string {
	var b strings.Builder
	writeParam(&b, "host", cfg.Host)
	writeParam(&b, "dbname", cfg.Database)
	if cfg.Port != "" {
		writeParam(&b, "port", cfg.Port)
	}
	if cfg.User != "" {
		writeParam(&b, "user", cfg.User)
	}
	if cfg.Password != "" {
		writeParam(&b, "password", cfg.Password)
	}
	writeParam(&b, "options", "-c search_path="+cfg.SchemaName)
	return b.String()
}

func writeParam(b *strings.Builder, key, value string) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	fmt.Fprintf(b, "%s='%s'", key, escaped)
}

// enforceReadOnly places the session in read-only mode. With
// RequireReadOnly set, a failure to do so is fatal; otherwise it is a
// warning and the run proceeds (AllowWriteConnection's advisory posture).
func enforceReadOnly(ctx context.Context, rdb *db.RDB, cfg RunConfig) error {
	_, err := rdb.ExecContext(ctx, "SET default_transaction_read_only = on")
	if err == nil {
		return nil
	}
	if cfg.RequireReadOnly && !cfg.AllowWriteConnection {
		return xerrors.ReadOnlyEnforcementError{Reason: err.Error()}
	}
	if cfg.Logger != nil {
		cfg.Logger.Warn("could not place session in read-only mode", "error", err.Error())
	}
	return nil
}

func openCache(cfg RunConfig) (*cache.Cache, string, error) {
	if cfg.NoCache {
		return cache.Disabled(), "", nil
	}
	c, err := cache.New(cfg.CacheDir, cfg.CacheTTL)
	if err != nil {
		return nil, "", xerrors.ConnectionError{Reason: fmt.Sprintf("opening schema cache: %s", err)}
	}
	return c, cache.Key(cfg.Host, cfg.Database, cfg.SchemaName), nil
}

// resolveSeeds expands every SeedSpec into concrete traversal.Seed values.
// A seed naming explicit PK values becomes one traversal.Seed per value for
// a single-column key, or one composite tuple otherwise; a seed naming
// a timeframe instead selects every row of the table within that range and
// seeds one traversal.Seed per matching primary key.
func resolveSeeds(ctx context.Context, rdb *db.RDB, introspector *schema.Introspector, graph *schema.Graph, cfg RunConfig) ([]traversal.Seed, error) {
	var seeds []traversal.Seed

	for _, s := range cfg.Seeds {
		ref := schema.ParseRef(s.Table, cfg.SchemaName)
		t, err := introspector.GetTable(ctx, graph, ref)
		if err != nil {
			return nil, err
		}

		if s.Timeframe == nil {
			if len(t.PrimaryKeyColumns) == 1 {
				for _, pk := range s.PKs {
					seeds = append(seeds, traversal.Seed{Table: ref, PKs: []string{pk}})
				}
			} else {
				seeds = append(seeds, traversal.Seed{Table: ref, PKs: s.PKs})
			}
			continue
		}

		if len(t.PrimaryKeyColumns) == 0 {
			return nil, xerrors.UsageError{Reason: fmt.Sprintf("table %q has no primary key and cannot be seeded by timeframe", s.Table)}
		}
		col := t.Column(s.Timeframe.Column)
		if col == nil {
			return nil, xerrors.InvalidFilter{Reason: fmt.Sprintf("column %q does not exist on table %q", s.Timeframe.Column, s.Table)}
		}
		if !col.IsDateTime() {
			return nil, xerrors.InvalidFilter{Reason: fmt.Sprintf("column %q on table %q is not a date/time type", s.Timeframe.Column, s.Table)}
		}

		tfSeeds, err := seedsInTimeframe(ctx, rdb, t, s.Timeframe)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, tfSeeds...)
	}

	return seeds, nil
}

// seedsInTimeframe selects the primary key of every row of t whose
// Timeframe.Column falls within [Lower, Upper].
func seedsInTimeframe(ctx context.Context, rdb *db.RDB, t *schema.Table, tf *TimeframeSpec) ([]traversal.Seed, error) {
	pkList := make([]string, len(t.PrimaryKeyColumns))
	for i, col := range t.PrimaryKeyColumns {
		pkList[i] = pq.QuoteIdentifier(col)
	}

	query := fmt.Sprintf("SELECT %s FROM %s.%s WHERE %s BETWEEN $1 AND $2",
		strings.Join(pkList, ", "),
		pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name),
		pq.QuoteIdentifier(tf.Column))

	rows, err := rdb.QueryContext(ctx, query, tf.Lower, tf.Upper)
	if err != nil {
		return nil, xerrors.FetchError{Table: t.Ref.String(), Reason: err.Error()}
	}
	defer rows.Close()

	var seeds []traversal.Seed
	for rows.Next() {
		dest := make([]any, len(t.PrimaryKeyColumns))
		ptrs := make([]any, len(dest))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, xerrors.FetchError{Table: t.Ref.String(), Reason: err.Error()}
		}
		pks := make([]string, len(dest))
		for i, v := range dest {
			pks[i] = fmt.Sprintf("%v", v)
		}
		seeds = append(seeds, traversal.Seed{Table: t.Ref, PKs: pks})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.FetchError{Table: t.Ref.String(), Reason: err.Error()}
	}
	return seeds, nil
}

func resolveFilters(cfg RunConfig) ([]traversal.Filter, error) {
	var filters []traversal.Filter
	for _, t := range cfg.Truncates {
		if t.Column == "" || t.Lower == "" || t.Upper == "" {
			return nil, xerrors.InvalidFilter{Reason: fmt.Sprintf("truncate spec for %q is missing column/lower/upper", t.Table)}
		}
		filters = append(filters, traversal.Filter{
			Table:  schema.ParseRef(t.Table, cfg.SchemaName),
			Column: t.Column,
			Lower:  t.Lower,
			Upper:  t.Upper,
		})
	}
	return filters, nil
}

func collectedRefs(records *record.Set) []schema.Ref {
	seen := make(map[string]bool)
	var refs []schema.Ref
	for _, d := range records.All() {
		ref := d.Identifier.Table
		key := ref.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, ref)
	}
	return refs
}
