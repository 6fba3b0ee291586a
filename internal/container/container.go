// Package container implements the blob container store (C5): append-only
// packfiles with an 8-byte header, guarded by a single process-wide mutex
// so a chunk's bytes and its container's size and chunk count are recorded
// together. The chunk's catalog row is not written here: the caller records
// it after Write returns, outside this mutex.
package container

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/entanglement-sync/core/internal/catalog"
	"github.com/entanglement-sync/core/internal/synccore"
)

var (
	magicBytes    = [4]byte{'E', 'N', 'T', 'G'}
	formatVersion = byte(0x01)
)

const (
	headerSize              = 8
	defaultMaxContainerSize = 64 * 1024 * 1024
	zstdLevel                = zstd.SpeedDefault // level 3 equivalent
)

const containerSchema = `
CREATE TABLE IF NOT EXISTS containers (
	id         TEXT PRIMARY KEY,
	disk_path  TEXT NOT NULL,
	total_size INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	is_sealed  INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	sealed_at  TEXT
);
`

// Store is the append-only packfile engine. One Store guards exactly one
// open container at a time via mu.
type Store struct {
	basePath   string
	maxSize    int64
	db         *sql.DB
	encoder    *zstd.Encoder
	decoderPool sync.Pool

	mu      sync.Mutex
	current *openContainer
}

type openContainer struct {
	id     string
	path   string
	file   *os.File
	offset int64
}

// Open creates or resumes a container store rooted at basePath, sharing
// the catalog's SQLite handle (the containers table lives beside the chunk
// catalog in the same database; container rows are updated by Store alone,
// not inside the version graph's transactions).
func Open(basePath string, maxSize int64, db *sql.DB) (*Store, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxContainerSize
	}
	if _, err := db.Exec(containerSchema); err != nil {
		return nil, fmt.Errorf("init container schema: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}

	s := &Store{basePath: basePath, maxSize: maxSize, db: db, encoder: enc}
	if err := s.resumeOpenContainer(); err != nil {
		return nil, err
	}
	return s, nil
}

// resumeOpenContainer reopens the container left unsealed by a previous
// process, if any, truncating it to its last persisted total_size — any
// bytes beyond that point were never recorded in the catalog and are
// discarded rather than trusted (§4.5 failure semantics).
func (s *Store) resumeOpenContainer() error {
	var id, diskPath string
	var totalSize int64
	err := s.db.QueryRow(`SELECT id, disk_path, total_size FROM containers WHERE is_sealed = 0 LIMIT 1`).
		Scan(&id, &diskPath, &totalSize)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume open container: %w", err)
	}

	fullPath := filepath.Join(s.basePath, diskPath)
	f, err := os.OpenFile(fullPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen container %s: %w", id, err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return fmt.Errorf("truncate container %s to %d: %w", id, totalSize, err)
	}
	s.current = &openContainer{id: id, path: diskPath, file: f, offset: totalSize}
	return nil
}

// Write compresses data (when compressible is true and compression
// actually shrinks it) and appends it to the currently open container,
// sealing and rotating containers as needed. It returns the resulting
// catalog location.
func (s *Store) Write(data []byte, compressible bool) (catalog.Location, error) {
	body := data
	compressed := false
	if compressible {
		out := s.encoder.EncodeAll(data, make([]byte, 0, len(data)))
		if len(out) < len(data) {
			body = out
			compressed = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.offset+int64(len(body)) > s.maxSize {
		if err := s.sealCurrentLocked(); err != nil {
			return catalog.Location{}, err
		}
		if err := s.openNewLocked(); err != nil {
			return catalog.Location{}, err
		}
	}

	offset := s.current.offset
	if _, err := s.current.file.WriteAt(body, offset); err != nil {
		return catalog.Location{}, fmt.Errorf("container write: %w", err)
	}
	if err := s.current.file.Sync(); err != nil {
		return catalog.Location{}, fmt.Errorf("container sync: %w", err)
	}

	s.current.offset += int64(len(body))
	if _, err := s.db.Exec(
		`UPDATE containers SET total_size = ?, chunk_count = chunk_count + 1 WHERE id = ?`,
		s.current.offset, s.current.id,
	); err != nil {
		return catalog.Location{}, fmt.Errorf("persist container offset: %w", err)
	}

	return catalog.Location{
		ContainerID: s.current.id,
		Offset:      offset,
		Length:      len(body),
		Compressed:  compressed,
	}, nil
}

func (s *Store) sealCurrentLocked() error {
	if s.current == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE containers SET is_sealed = 1, sealed_at = ? WHERE id = ?`, now, s.current.id); err != nil {
		return fmt.Errorf("seal container %s: %w", s.current.id, err)
	}
	err := s.current.file.Close()
	s.current = nil
	if err != nil {
		return fmt.Errorf("close sealed container: %w", err)
	}
	return nil
}

func (s *Store) openNewLocked() error {
	id := uuid.NewString()
	now := time.Now().UTC()
	relPath := filepath.Join(now.Format("2006"), now.Format("01"), fmt.Sprintf("pack_%s.blob", id))
	fullPath := filepath.Join(s.basePath, relPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create container dir: %w", err)
	}
	f, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create container file: %w", err)
	}

	header := append([]byte{}, magicBytes[:]...)
	header = append(header, formatVersion, 0, 0, 0)
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return fmt.Errorf("write container header: %w", err)
	}

	if _, err := s.db.Exec(
		`INSERT INTO containers (id, disk_path, total_size, chunk_count, is_sealed, created_at) VALUES (?, ?, ?, 0, 0, ?)`,
		id, relPath, headerSize, now.Format(time.RFC3339),
	); err != nil {
		f.Close()
		return fmt.Errorf("record new container: %w", err)
	}

	s.current = &openContainer{id: id, path: relPath, file: f, offset: headerSize}
	return nil
}

// Read resolves loc against the container's on-disk path, reads exactly
// loc.Length bytes, and decompresses them iff loc.Compressed. Reads are
// concurrent and take no lock: sealed containers are read-only, and the
// currently open container is only ever appended past already-durable
// offsets.
func (s *Store) Read(loc catalog.Location) ([]byte, error) {
	var diskPath string
	var totalSize int64
	err := s.db.QueryRow(`SELECT disk_path, total_size FROM containers WHERE id = ?`, loc.ContainerID).
		Scan(&diskPath, &totalSize)
	if err == sql.ErrNoRows {
		return nil, synccore.New(synccore.KindCorruption, "container not found: "+loc.ContainerID)
	}
	if err != nil {
		return nil, fmt.Errorf("container lookup: %w", err)
	}
	if loc.Offset+int64(loc.Length) > totalSize {
		return nil, synccore.New(synccore.KindCorruption, "catalog location points past container EOF")
	}

	f, err := os.Open(filepath.Join(s.basePath, diskPath))
	if err != nil {
		return nil, fmt.Errorf("open container for read: %w", err)
	}
	defer f.Close()

	buf := make([]byte, loc.Length)
	if _, err := io.ReadFull(io.NewSectionReader(f, loc.Offset, int64(loc.Length)), buf); err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}
	if !loc.Compressed {
		return buf, nil
	}

	dec, err := s.decoder()
	if err != nil {
		return nil, err
	}
	defer s.decoderPool.Put(dec)
	out, err := dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, synccore.Wrap(synccore.KindCorruption, "zstd decode failed", err)
	}
	return out, nil
}

func (s *Store) decoder() (*zstd.Decoder, error) {
	if v := s.decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// Close flushes and closes the currently open container, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.file.Close()
	s.current = nil
	return err
}
