// Package catalog implements the chunk catalog (C4): a persistent,
// reference-counted map from BLAKE3 hash to {size, refcount, location}.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/entanglement-sync/core/internal/synccore"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS chunks (
	hash         TEXT PRIMARY KEY,
	size_bytes   INTEGER NOT NULL,
	ref_count    INTEGER NOT NULL DEFAULT 0,
	container_id TEXT,
	offset_bytes INTEGER,
	length_bytes INTEGER,
	compressed   INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_container ON chunks(container_id);
`

// Location pins a chunk to a byte range inside a sealed or open container.
type Location struct {
	ContainerID string
	Offset      int64
	Length      int
	Compressed  bool
}

// Catalog is the server-side chunk catalog, backed by SQLite.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if necessary) the catalog database at dbPath.
func Open(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline, matches the container mutex
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	if err := ensureSchemaVersion(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func ensureSchemaVersion(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, schemaVersion)
		return err
	}
	return nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// Exists reports whether hash is already recorded in the catalog.
func (c *Catalog) Exists(ctx context.Context, hash string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM chunks WHERE hash = ?`, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog exists: %w", err)
	}
	return true, nil
}

// GetLocation returns the stored location for hash, or nil if the chunk
// is known but has no location yet. An unknown hash yields a KindNotFound
// error.
func (c *Catalog) GetLocation(ctx context.Context, hash string) (*Location, error) {
	var containerID sql.NullString
	var offset, length sql.NullInt64
	var compressed int
	err := c.db.QueryRowContext(ctx,
		`SELECT container_id, offset_bytes, length_bytes, compressed FROM chunks WHERE hash = ?`,
		hash,
	).Scan(&containerID, &offset, &length, &compressed)
	if err == sql.ErrNoRows {
		return nil, synccore.New(synccore.KindNotFound, "chunk not in catalog: "+hash)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog get location: %w", err)
	}
	if !containerID.Valid {
		return nil, nil
	}
	return &Location{
		ContainerID: containerID.String,
		Offset:      offset.Int64,
		Length:      int(length.Int64),
		Compressed:  compressed != 0,
	}, nil
}

// UpsertWithLocation records a chunk's size and location. If a row already
// exists with a non-null location, the existing location is kept — a
// location, once recorded, is immutable (§3 Chunk invariant (e)).
func (c *Catalog) UpsertWithLocation(ctx context.Context, hash string, size int, loc Location) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO chunks (hash, size_bytes, ref_count, container_id, offset_bytes, length_bytes, compressed, created_at)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			container_id = CASE WHEN chunks.container_id IS NULL THEN excluded.container_id ELSE chunks.container_id END,
			offset_bytes = CASE WHEN chunks.container_id IS NULL THEN excluded.offset_bytes ELSE chunks.offset_bytes END,
			length_bytes = CASE WHEN chunks.container_id IS NULL THEN excluded.length_bytes ELSE chunks.length_bytes END,
			compressed   = CASE WHEN chunks.container_id IS NULL THEN excluded.compressed ELSE chunks.compressed END
	`, hash, size, loc.ContainerID, loc.Offset, loc.Length, boolToInt(loc.Compressed), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("catalog upsert: %w", err)
	}
	return nil
}

// Check partitions hashes into those already in the catalog and those
// that are not, for delta-sync chunk-check requests.
func (c *Catalog) Check(ctx context.Context, hashes []string) (existing, missing []string, err error) {
	known := make(map[string]bool, len(hashes))
	if len(hashes) > 0 {
		placeholders := make([]string, len(hashes))
		args := make([]any, len(hashes))
		for i, h := range hashes {
			placeholders[i] = "?"
			args[i] = h
		}
		query := fmt.Sprintf(`SELECT hash FROM chunks WHERE hash IN (%s)`, strings.Join(placeholders, ","))
		rows, qerr := c.db.QueryContext(ctx, query, args...)
		if qerr != nil {
			return nil, nil, fmt.Errorf("catalog check: %w", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return nil, nil, fmt.Errorf("catalog check scan: %w", err)
			}
			known[h] = true
		}
		if err := rows.Err(); err != nil {
			return nil, nil, err
		}
	}
	for _, h := range hashes {
		if known[h] {
			existing = append(existing, h)
		} else {
			missing = append(missing, h)
		}
	}
	return existing, missing, nil
}

// IncrementRefs bumps ref_count for each hash by one, within tx. Every
// hash MUST already exist in the catalog (§4.8 finalize precondition).
func IncrementRefs(ctx context.Context, tx *sql.Tx, hashes []string) error {
	stmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET ref_count = ref_count + 1 WHERE hash = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, h := range hashes {
		res, err := stmt.ExecContext(ctx, h)
		if err != nil {
			return fmt.Errorf("increment ref for %s: %w", h, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return synccore.New(synccore.KindValidation, "chunk not found in catalog: "+h)
		}
	}
	return nil
}

// DecrementRefs lowers ref_count for each hash by one, deleting the row
// once it reaches zero (the chunk becomes eligible for reclamation,
// which is out of scope here — only the catalog row disappears).
func (c *Catalog) DecrementRefs(ctx context.Context, hashes []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `UPDATE chunks SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0`, h); err != nil {
			return fmt.Errorf("decrement ref for %s: %w", h, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE hash = ? AND ref_count <= 0`, h); err != nil {
			return fmt.Errorf("sweep zero-ref chunk %s: %w", h, err)
		}
	}
	return tx.Commit()
}

// RefCount returns the current reference count for hash, used by tests
// verifying §8 invariant 5.
func (c *Catalog) RefCount(ctx context.Context, hash string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT ref_count FROM chunks WHERE hash = ?`, hash).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// DB exposes the underlying handle so the version graph can share a
// single transaction across catalog and version-graph writes within
// create_version_with_tier (§4.6).
func (c *Catalog) DB() *sql.DB { return c.db }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
