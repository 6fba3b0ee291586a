// Package versiongraph implements the version graph (C6): files, their
// immutable versions, and the ordered chunk references that make up each
// version's manifest.
package versiongraph

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entanglement-sync/core/internal/catalog"
	"github.com/entanglement-sync/core/internal/pathresolve"
	"github.com/entanglement-sync/core/internal/synccore"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id                 TEXT PRIMARY KEY,
	path               TEXT NOT NULL,
	current_version_id TEXT,
	is_deleted         INTEGER NOT NULL DEFAULT 0,
	owner              TEXT,
	original_hash_id   TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_files_path_live ON files(path) WHERE is_deleted = 0;
CREATE INDEX IF NOT EXISTS idx_files_updated_at ON files(updated_at);
CREATE INDEX IF NOT EXISTS idx_files_original_hash ON files(original_hash_id);

CREATE TABLE IF NOT EXISTS versions (
	id           TEXT PRIMARY KEY,
	file_id      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	tier_id      INTEGER NOT NULL,
	is_chunked   INTEGER NOT NULL,
	created_at   TEXT NOT NULL,
	created_by   TEXT
);

CREATE INDEX IF NOT EXISTS idx_versions_file_id ON versions(file_id, created_at DESC);

CREATE TABLE IF NOT EXISTS version_chunks (
	version_id   TEXT NOT NULL,
	chunk_hash   TEXT NOT NULL,
	chunk_index  INTEGER NOT NULL,
	chunk_offset INTEGER NOT NULL,
	PRIMARY KEY (version_id, chunk_index)
);
`

// File is a logical path entry.
type File struct {
	ID                string
	Path              string
	CurrentVersionID  sql.NullString
	IsDeleted         bool
	Owner             sql.NullString
	OriginalHashID    sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Version is an immutable snapshot of a file's content.
type Version struct {
	ID          string
	FileID      string
	ContentHash string
	SizeBytes   int64
	TierID      int16
	IsChunked   bool
	CreatedAt   time.Time
	CreatedBy   sql.NullString
}

// VersionChunk is one ordered reference from a version to a chunk.
type VersionChunk struct {
	VersionID   string
	ChunkHash   string
	ChunkIndex  int
	ChunkOffset int64
}

// Change is one row of a changes-since response.
type Change struct {
	ID          string
	Path        string
	Action      string // "created", "modified", "deleted"
	SizeBytes   *int64
	BlobHash    *string
	IsDirectory bool
	UpdatedAt   time.Time
}

// DirEntry is one row of a list_directory response: either a real file or
// a synthesized virtual folder.
type DirEntry struct {
	ID          string
	Path        string
	IsDirectory bool
	IsVirtual   bool
	UpdatedAt   time.Time
}

// Graph is the version graph, sharing its SQLite handle with the chunk
// catalog so version creation and refcount updates commit atomically.
type Graph struct {
	db *sql.DB
}

// Open initializes the version-graph schema on db (the same handle used
// by the catalog).
func Open(db *sql.DB) (*Graph, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init version graph schema: %w", err)
	}
	return &Graph{db: db}, nil
}

// CreateVersionWithTier performs the §4.6 transaction: insert the version
// row, increment each referenced chunk's refcount, insert the dense
// ordered version_chunks rows, upsert the file row with files.updated_at
// advanced to modifiedAt, and point current_version_id at the new version.
func (g *Graph) CreateVersionWithTier(
	ctx context.Context,
	path string,
	sizeBytes int64,
	modifiedAt time.Time,
	tierID int16,
	contentHash string,
	chunkHashes []string,
	createdBy *string,
) (fileID, versionID string, err error) {
	path, err = pathresolve.Validate(path)
	if err != nil {
		return "", "", err
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("begin create_version tx: %w", err)
	}
	defer tx.Rollback()

	fileID, err = g.upsertFileLocked(ctx, tx, path, createdBy, modifiedAt)
	if err != nil {
		return "", "", err
	}

	versionID = uuid.NewString()
	isChunked := len(chunkHashes) > 0
	now := time.Now().UTC()

	var createdByVal sql.NullString
	if createdBy != nil {
		createdByVal = sql.NullString{String: *createdBy, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (id, file_id, content_hash, size_bytes, tier_id, is_chunked, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, versionID, fileID, contentHash, sizeBytes, tierID, boolToInt(isChunked), now.Format(time.RFC3339), createdByVal); err != nil {
		return "", "", fmt.Errorf("insert version: %w", err)
	}

	if err := catalog.IncrementRefs(ctx, tx, chunkHashes); err != nil {
		return "", "", err
	}

	var offset int64
	var sumSizes int64
	for i, hash := range chunkHashes {
		var size int64
		if err := tx.QueryRowContext(ctx, `SELECT size_bytes FROM chunks WHERE hash = ?`, hash).Scan(&size); err != nil {
			return "", "", fmt.Errorf("lookup chunk size for %s: %w", hash, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO version_chunks (version_id, chunk_hash, chunk_index, chunk_offset) VALUES (?, ?, ?, ?)
		`, versionID, hash, i, offset); err != nil {
			return "", "", fmt.Errorf("insert version_chunk %d: %w", i, err)
		}
		offset += size
		sumSizes += size
	}
	if isChunked && sumSizes != sizeBytes {
		return "", "", synccore.New(synccore.KindValidation,
			fmt.Sprintf("sum of chunk sizes (%d) does not equal declared size_bytes (%d)", sumSizes, sizeBytes))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET current_version_id = ? WHERE id = ?`, versionID, fileID,
	); err != nil {
		return "", "", fmt.Errorf("point file at new version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit create_version tx: %w", err)
	}
	return fileID, versionID, nil
}

func (g *Graph) upsertFileLocked(ctx context.Context, tx *sql.Tx, path string, owner *string, modifiedAt time.Time) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ? AND is_deleted = 0`, path).Scan(&id)
	if err == nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET updated_at = ? WHERE id = ?`, modifiedAt.UTC().Format(time.RFC3339), id,
		); err != nil {
			return "", fmt.Errorf("advance updated_at on existing file: %w", err)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup file by path: %w", err)
	}

	id = uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	var ownerVal sql.NullString
	if owner != nil {
		ownerVal = sql.NullString{String: *owner, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files (id, path, is_deleted, owner, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
	`, id, path, ownerVal, now, modifiedAt.UTC().Format(time.RFC3339)); err != nil {
		return "", fmt.Errorf("insert file: %w", err)
	}
	return id, nil
}

// GetFile returns the live (non-deleted) file row at path.
func (g *Graph) GetFile(ctx context.Context, path string) (*File, error) {
	return g.scanFileRow(ctx, `SELECT id, path, current_version_id, is_deleted, owner, original_hash_id, created_at, updated_at
		FROM files WHERE path = ? AND is_deleted = 0`, path)
}

// GetFileByID returns a file row by its id, regardless of deletion state.
func (g *Graph) GetFileByID(ctx context.Context, id string) (*File, error) {
	return g.scanFileRow(ctx, `SELECT id, path, current_version_id, is_deleted, owner, original_hash_id, created_at, updated_at
		FROM files WHERE id = ?`, id)
}

func (g *Graph) scanFileRow(ctx context.Context, query string, arg string) (*File, error) {
	var f File
	var isDeleted int
	err := g.db.QueryRowContext(ctx, query, arg).Scan(
		&f.ID, &f.Path, &f.CurrentVersionID, &isDeleted, &f.Owner, &f.OriginalHashID, &f.CreatedAt, &f.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, synccore.New(synccore.KindNotFound, "file not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan file row: %w", err)
	}
	f.IsDeleted = isDeleted != 0
	return &f, nil
}

// GetVersion returns a version row along with its ordered chunk list.
func (g *Graph) GetVersion(ctx context.Context, versionID string) (*Version, []VersionChunk, error) {
	var v Version
	var isChunked int
	err := g.db.QueryRowContext(ctx, `
		SELECT id, file_id, content_hash, size_bytes, tier_id, is_chunked, created_at, created_by
		FROM versions WHERE id = ?
	`, versionID).Scan(&v.ID, &v.FileID, &v.ContentHash, &v.SizeBytes, &v.TierID, &isChunked, &v.CreatedAt, &v.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, nil, synccore.New(synccore.KindNotFound, "version not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scan version: %w", err)
	}
	v.IsChunked = isChunked != 0

	rows, err := g.db.QueryContext(ctx, `
		SELECT version_id, chunk_hash, chunk_index, chunk_offset FROM version_chunks
		WHERE version_id = ? ORDER BY chunk_index ASC
	`, versionID)
	if err != nil {
		return nil, nil, fmt.Errorf("query version_chunks: %w", err)
	}
	defer rows.Close()

	var chunks []VersionChunk
	for rows.Next() {
		var c VersionChunk
		if err := rows.Scan(&c.VersionID, &c.ChunkHash, &c.ChunkIndex, &c.ChunkOffset); err != nil {
			return nil, nil, fmt.Errorf("scan version_chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return &v, chunks, rows.Err()
}

// History returns every version for fileID, most recent first.
func (g *Graph) History(ctx context.Context, fileID string) ([]Version, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, file_id, content_hash, size_bytes, tier_id, is_chunked, created_at, created_by
		FROM versions WHERE file_id = ? ORDER BY created_at DESC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var isChunked int
		if err := rows.Scan(&v.ID, &v.FileID, &v.ContentHash, &v.SizeBytes, &v.TierID, &isChunked, &v.CreatedAt, &v.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		v.IsChunked = isChunked != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListDirectory returns a mixed list of real files and virtual folders
// one level below prefix (§4.6).
func (g *Graph) ListDirectory(ctx context.Context, prefix string) ([]DirEntry, error) {
	prefix, err := pathresolve.Validate(prefix)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, path, original_hash_id, updated_at FROM files
		WHERE is_deleted = 0 AND path LIKE ? ESCAPE '\'
	`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list directory query: %w", err)
	}
	defer rows.Close()

	var all []listRow
	for rows.Next() {
		var id, path string
		var originalHash sql.NullString
		var updatedAt time.Time
		if err := rows.Scan(&id, &path, &originalHash, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan list row: %w", err)
		}
		all = append(all, listRow{id, path, originalHash.String, updatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	realByPath := make(map[string]listRow, len(all))
	for _, r := range all {
		realByPath[r.path] = r
	}

	seen := make(map[string]bool)
	var out []DirEntry
	for _, r := range all {
		rest := strings.TrimPrefix(r.path, prefix)
		if rest == "" {
			continue // the prefix directory itself, not a child
		}
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			// a direct file child
			out = append(out, DirEntry{ID: r.id, Path: r.path, IsDirectory: strings.HasSuffix(r.path, "/"), UpdatedAt: r.updatedAt})
			continue
		}
		childDir := prefix + rest[:slash+1]
		if seen[childDir] {
			continue
		}
		seen[childDir] = true
		if real, ok := realByPath[childDir]; ok {
			id := real.id
			if real.originalHash != "" {
				id = real.originalHash
			}
			out = append(out, DirEntry{ID: id, Path: childDir, IsDirectory: true, UpdatedAt: real.updatedAt})
		} else {
			out = append(out, DirEntry{
				ID:          pathresolve.VirtualFolderHash(childDir),
				Path:        childDir,
				IsDirectory: true,
				IsVirtual:   true,
				UpdatedAt:   latestDescendant(all, childDir),
			})
		}
	}
	return out, nil
}

type listRow struct {
	id, path, originalHash string
	updatedAt              time.Time
}

func latestDescendant(all []listRow, prefix string) time.Time {
	var latest time.Time
	for _, r := range all {
		if strings.HasPrefix(r.path, prefix) && r.updatedAt.After(latest) {
			latest = r.updatedAt
		}
	}
	return latest
}

// GetChanges returns files with updated_at > cursor, ascending, capped at
// limit, alongside the server's current time to use as the next cursor.
func (g *Graph) GetChanges(ctx context.Context, cursor time.Time, limit int) ([]Change, time.Time, error) {
	serverTime := time.Now().UTC()
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, path, is_deleted, created_at, updated_at, current_version_id
		FROM files WHERE updated_at > ? ORDER BY updated_at ASC LIMIT ?
	`, cursor.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, serverTime, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var id, path string
		var isDeleted int
		var createdAt, updatedAt time.Time
		var versionID sql.NullString
		if err := rows.Scan(&id, &path, &isDeleted, &createdAt, &updatedAt, &versionID); err != nil {
			return nil, serverTime, fmt.Errorf("scan change row: %w", err)
		}
		c := Change{ID: id, Path: path, IsDirectory: strings.HasSuffix(path, "/"), UpdatedAt: updatedAt}
		switch {
		case isDeleted != 0:
			c.Action = "deleted"
		case createdAt.After(cursor):
			c.Action = "created"
		default:
			c.Action = "modified"
		}
		if versionID.Valid {
			var v Version
			if err := g.db.QueryRowContext(ctx, `SELECT size_bytes, content_hash FROM versions WHERE id = ?`, versionID.String).
				Scan(&v.SizeBytes, &v.ContentHash); err == nil {
				c.SizeBytes = &v.SizeBytes
				c.BlobHash = &v.ContentHash
			}
		}
		out = append(out, c)
	}
	return out, serverTime, rows.Err()
}

// MoveDirectory implements §4.7's move semantics: rejects if the
// destination already exists live, rewrites every row whose path equals
// oldPrefix (with or without trailing slash) or begins with it, and —
// when oldPrefix never had a real row (it was purely virtual) —
// materialises one at newPrefix carrying the old path's hash as its
// sticky id.
func (g *Graph) MoveDirectory(ctx context.Context, oldPrefix, newPrefix string) error {
	oldPrefix, err := pathresolve.Validate(oldPrefix)
	if err != nil {
		return err
	}
	newPrefix, err = pathresolve.Validate(newPrefix)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(oldPrefix, "/") {
		oldPrefix += "/"
	}
	if !strings.HasSuffix(newPrefix, "/") {
		newPrefix += "/"
	}
	oldBare := strings.TrimSuffix(oldPrefix, "/")
	newBare := strings.TrimSuffix(newPrefix, "/")

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE is_deleted = 0 AND (path = ? OR path = ?)`, newBare, newPrefix,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check move destination: %w", err)
	}
	if exists > 0 {
		return synccore.New(synccore.KindConflict, "move target already exists: "+newPrefix)
	}

	var hadRealRow int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE is_deleted = 0 AND path = ?`, oldPrefix,
	).Scan(&hadRealRow); err != nil {
		return fmt.Errorf("check source directory: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, path FROM files WHERE is_deleted = 0 AND (path = ? OR path = ? OR path LIKE ? ESCAPE '\')`,
		oldBare, oldPrefix, escapeLike(oldPrefix)+"%",
	)
	if err != nil {
		return fmt.Errorf("select move set: %w", err)
	}
	type idPath struct{ id, path string }
	var moving []idPath
	for rows.Next() {
		var ip idPath
		if err := rows.Scan(&ip.id, &ip.path); err != nil {
			rows.Close()
			return err
		}
		moving = append(moving, ip)
	}
	rows.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, ip := range moving {
		newPath := newBare + strings.TrimPrefix(ip.path, oldBare)
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET path = ?, updated_at = ? WHERE id = ?`, newPath, now, ip.id,
		); err != nil {
			return fmt.Errorf("rewrite path for %s: %w", ip.id, err)
		}
	}

	if hadRealRow == 0 {
		stickyID := pathresolve.VirtualFolderHash(oldPrefix)
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (id, path, is_deleted, original_hash_id, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?, ?)
		`, id, newPrefix, stickyID, now, now); err != nil {
			return fmt.Errorf("materialize moved virtual folder: %w", err)
		}
	}

	return tx.Commit()
}

// SoftDelete marks every non-deleted row at prefix or beneath it as
// deleted, recursively. Chunk ref_counts are untouched (§8 scenario S6).
func (g *Graph) SoftDelete(ctx context.Context, prefix string) error {
	prefix, err := pathresolve.Validate(prefix)
	if err != nil {
		return err
	}
	bare := strings.TrimSuffix(prefix, "/")
	dir := bare + "/"
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = g.db.ExecContext(ctx,
		`UPDATE files SET is_deleted = 1, updated_at = ? WHERE is_deleted = 0 AND (path = ? OR path = ? OR path LIKE ? ESCAPE '\')`,
		now, bare, dir, escapeLike(dir)+"%",
	)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}

// ResolveIdentifier implements §4.7's virtual-to-real resolution: a
// caller-supplied identifier may be a real row id or a 64-hex hash. When
// it is a hash, the original_hash_id index is tried first, then every
// descendant directory prefix of every live path is hashed until one
// matches.
func (g *Graph) ResolveIdentifier(ctx context.Context, id string) (*File, error) {
	if !pathresolve.IsHexHash(id) {
		return g.GetFileByID(ctx, id)
	}

	var fileID string
	err := g.db.QueryRowContext(ctx, `SELECT id FROM files WHERE original_hash_id = ? AND is_deleted = 0`, id).Scan(&fileID)
	if err == nil {
		return g.GetFileByID(ctx, fileID)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup sticky id: %w", err)
	}

	rows, err := g.db.QueryContext(ctx, `SELECT path FROM files WHERE is_deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("scan paths for virtual resolution: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		for _, prefix := range pathresolve.DescendantPrefixes(path) {
			if seen[prefix] {
				continue
			}
			seen[prefix] = true
			if pathresolve.VirtualFolderHash(prefix) == id {
				return &File{ID: id, Path: prefix, OriginalHashID: sql.NullString{String: id, Valid: true}}, nil
			}
		}
	}
	return nil, synccore.New(synccore.KindNotFound, "no folder resolves to hash "+id)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
