// Package scriptcache is a durable backing store for the loaded-scripts
// list and a disk cache of serialized Chunks keyed by the SHA-256 of the
// script's source text. The scheme of the cache DSN (sqlite://, mysql://,
// postgres://) selects the database/sql driver.
package scriptcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"loxcore/internal/bytecode"
	"loxcore/internal/value"
)

// Cache stores compiled Chunks, addressed by source hash, in whichever
// SQL backend the DSN names.
type Cache struct {
	db     *sql.DB
	driver string
}

// Open parses dsn's scheme (sqlite://, mysql://, postgres://) and opens
// the corresponding database/sql driver, creating the cache table if it
// doesn't already exist.
func Open(dsn string) (*Cache, error) {
	driverName, dataSource, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("scriptcache: open %s: %w", driverName, err)
	}
	c := &Cache{db: db, driver: driverName}
	if err := c.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func resolveDriver(dsn string) (driverName, dataSource string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://"), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, nil
	default:
		return "", "", fmt.Errorf("scriptcache: unrecognized DSN scheme in %q", dsn)
	}
}

func (c *Cache) ensureSchema() error {
	blob := "BLOB"
	if c.driver == "postgres" {
		blob = "BYTEA"
	}
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS scripts (
		hash TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		chunk ` + blob + ` NOT NULL,
		loaded_at TIMESTAMP NOT NULL
	)`)
	return err
}

// rebind rewrites ?-style placeholders to the $1..$n form lib/pq expects;
// sqlite and mysql take ? as-is.
func (c *Cache) rebind(q string) string {
	if c.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteByte(q[i])
		}
	}
	return b.String()
}

func (c *Cache) upsertSQL() string {
	if c.driver == "mysql" {
		return `INSERT INTO scripts (hash, path, chunk, loaded_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE path = VALUES(path), chunk = VALUES(chunk), loaded_at = VALUES(loaded_at)`
	}
	return c.rebind(`INSERT INTO scripts (hash, path, chunk, loaded_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET path = excluded.path, chunk = excluded.chunk, loaded_at = excluded.loaded_at`)
}

func Hash(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached Chunk for a source hash, if present.
func (c *Cache) Lookup(ctx context.Context, hash string) (*value.Chunk, bool, error) {
	row := c.db.QueryRowContext(ctx, c.rebind(`SELECT chunk FROM scripts WHERE hash = ?`), hash)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	chunk, err := bytecode.Deserialize(bytes.NewReader(blob))
	if err != nil {
		return nil, false, err
	}
	return chunk, true, nil
}

// Store serializes chunk and persists it under hash, overwriting any
// existing entry for the same source (a script whose content changed
// gets a new hash, so this only fires on a re-run of the same source).
func (c *Cache) Store(ctx context.Context, hash, path string, chunk *value.Chunk) error {
	var buf bytes.Buffer
	if err := bytecode.Serialize(&buf, chunk); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, c.upsertSQL(), hash, path, buf.Bytes(), time.Now().UTC())
	return err
}

// LoadedScripts lists every path ever cached, the GC-root-adjacent
// "loaded scripts list" persisted across process restarts.
func (c *Cache) LoadedScripts(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT path FROM scripts ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Cache) Close() error { return c.db.Close() }
