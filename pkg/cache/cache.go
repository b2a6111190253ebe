// SPDX-License-Identifier: Apache-2.0

// Package cache is the on-disk Schema Cache: a single-table SQLite database
// that lets repeated runs against the same database/schema skip
// introspection, guarded by a file lock so concurrent invocations serialize
// rather than corrupt each other's writes.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/mod/semver"

	"github.com/pgsubset/pgsubset/pkg/schema"
)

// FormatVersion is stamped on every entry written by this binary. A cache
// file written by a future, incompatible version of pgsubset is treated as a
// miss rather than risking a corrupt load.
const FormatVersion = "v1.0.0"

const defaultTTL = 24 * time.Hour

const createTableSQL = `CREATE TABLE IF NOT EXISTS schema_cache (
	key            TEXT PRIMARY KEY,
	payload        BLOB NOT NULL,
	format_version TEXT NOT NULL,
	created_at     INTEGER NOT NULL
)`

// Cache is the Schema Cache. A zero Cache is not usable; construct one with
// New or Disabled.
type Cache struct {
	path    string
	lock    *flock.Flock
	ttl     time.Duration
	enabled bool
}

// New returns a Cache backed by ~/.pgsubset/cache.db, or dir/cache.db when
// dir is non-empty (used by tests to avoid touching the real home
// directory). ttl of zero selects the default of 24 hours.
func New(dir string, ttl time.Duration) (*Cache, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cache: resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".pgsubset")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create cache directory: %w", err)
	}
	if ttl == 0 {
		ttl = defaultTTL
	}

	path := filepath.Join(dir, "cache.db")
	return &Cache{
		path:    path,
		lock:    flock.New(path + ".lock"),
		ttl:     ttl,
		enabled: true,
	}, nil
}

// Disabled returns a Cache that always misses on Load and is a no-op on
// Store, for --no-cache or CACHE_ENABLED=false.
func Disabled() *Cache {
	return &Cache{enabled: false}
}

// Key derives the cache key for a host/database/schema triple as a SHA-256
// digest. Load only checks that a stored payload decodes; it does not check
// that the entry belongs to the triple the key was derived from.
func Key(host, database, schemaName string) string {
	sum := sha256.Sum256([]byte(host + "|" + database + "|" + schemaName))
	return hex.EncodeToString(sum[:])
}

// Load returns the cached schema graph for key, or ok=false on any miss:
// no entry, an expired entry, a format-version mismatch, or a corrupt
// payload. A miss is never an error the caller needs to handle — it just
// means introspection runs.
func (c *Cache) Load(ctx context.Context, key string) (*schema.Graph, bool, error) {
	if !c.enabled {
		return nil, false, nil
	}

	if err := c.lock.Lock(); err != nil {
		return nil, false, fmt.Errorf("cache: acquire file lock: %w", err)
	}
	defer c.lock.Unlock()

	db, err := c.open()
	if err != nil {
		return nil, false, err
	}
	defer db.Close()

	var payload []byte
	var formatVersion string
	var createdAt int64
	err = db.QueryRowContext(ctx,
		`SELECT payload, format_version, created_at FROM schema_cache WHERE key = ?`, key,
	).Scan(&payload, &formatVersion, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, nil //nolint:nilerr // any read failure is a cache miss, not a fatal error
	}

	if !versionCompatible(formatVersion) {
		return nil, false, nil
	}

	age := time.Since(time.Unix(createdAt, 0))
	if age > c.ttl {
		return nil, false, nil
	}

	var g schema.Graph
	if err := g.Scan(payload); err != nil {
		return nil, false, nil
	}

	return &g, true, nil
}

// Store writes g under key, replacing any existing entry in one locked
// transaction so a reader never observes a half-written row.
func (c *Cache) Store(ctx context.Context, key string, g *schema.Graph) error {
	if !c.enabled {
		return nil
	}

	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("cache: acquire file lock: %w", err)
	}
	defer c.lock.Unlock()

	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()

	payload, err := g.Value()
	if err != nil {
		return fmt.Errorf("cache: encode schema graph: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: delete stale entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_cache (key, payload, format_version, created_at) VALUES (?, ?, ?, ?)`,
		key, payload, FormatVersion, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("cache: insert entry: %w", err)
	}

	return tx.Commit()
}

// Clear removes every entry, for --clear-cache.
func (c *Cache) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("cache: acquire file lock: %w", err)
	}
	defer c.lock.Unlock()

	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `DELETE FROM schema_cache`)
	return err
}

func (c *Cache) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+c.path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", c.path, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create schema_cache table: %w", err)
	}
	return db, nil
}

// versionCompatible reports whether a stored entry's format version can be
// read by this binary. An invalid or unparseable version is never trusted.
func versionCompatible(stored string) bool {
	sv := ensureVPrefix(stored)
	cv := ensureVPrefix(FormatVersion)
	if !semver.IsValid(sv) || !semver.IsValid(cv) {
		return false
	}
	return semver.Compare(sv, cv) == 0
}

func ensureVPrefix(v string) string {
	if len(v) > 0 && v[0] != 'v' {
		return "v" + v
	}
	return v
}
