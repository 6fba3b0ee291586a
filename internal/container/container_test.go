package container

import (
	"bytes"
	"crypto/rand"
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T, maxSize int64) (*Store, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", dir+"/meta.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := Open(dir, maxSize, db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, db
}

func TestWriteAndReadRaw(t *testing.T) {
	s, _ := newTestStore(t, defaultMaxContainerSize)
	data := []byte("hello, entanglement")

	loc, err := s.Write(data, false)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if loc.Compressed {
		t.Fatal("expected raw storage for incompressible tier")
	}
	if loc.Length != len(data) {
		t.Errorf("Length = %d, want %d", loc.Length, len(data))
	}

	got, err := s.Read(loc)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("roundtrip mismatch: got %q want %q", got, data)
	}
}

func TestWriteCompressibleSmallerStaysCompressed(t *testing.T) {
	s, _ := newTestStore(t, defaultMaxContainerSize)
	data := bytes.Repeat([]byte("aaaaaaaaaa"), 2000) // highly compressible

	loc, err := s.Write(data, true)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !loc.Compressed {
		t.Fatal("expected compressed storage for highly redundant data")
	}
	if loc.Length >= len(data) {
		t.Errorf("compressed length %d should be smaller than raw %d", loc.Length, len(data))
	}

	got, err := s.Read(loc)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decompressed roundtrip mismatch")
	}
}

func TestWriteIncompressibleFallsBackToRaw(t *testing.T) {
	s, _ := newTestStore(t, defaultMaxContainerSize)
	// Random data that won't shrink under zstd.
	data := make([]byte, 320)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	loc, err := s.Write(data, true)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	// length_bytes == size_bytes exactly when stored raw regardless of
	// the tier's compressible flag, per §4.4.
	if loc.Compressed || loc.Length != len(data) {
		t.Errorf("expected raw fallback: compressed=%v length=%d, want raw length %d", loc.Compressed, loc.Length, len(data))
	}
}

func TestHeaderBytes(t *testing.T) {
	dir := t.TempDir()
	db, err := sql.Open("sqlite", dir+"/meta.db")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s, err := Open(dir, defaultMaxContainerSize, db)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Write([]byte("x"), false); err != nil {
		t.Fatal(err)
	}

	var diskPath string
	if err := db.QueryRow(`SELECT disk_path FROM containers LIMIT 1`).Scan(&diskPath); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(dir + "/" + diskPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	header := make([]byte, headerSize)
	if _, err := f.Read(header); err != nil {
		t.Fatal(err)
	}
	want := []byte{'E', 'N', 'T', 'G', 0x01, 0, 0, 0}
	if !bytes.Equal(header, want) {
		t.Errorf("header = %x, want %x", header, want)
	}
}

func TestSealsAtCapacity(t *testing.T) {
	s, db := newTestStore(t, headerSize+10) // tiny container: seals almost immediately

	loc1, err := s.Write([]byte("0123456789"), false)
	if err != nil {
		t.Fatal(err)
	}
	loc2, err := s.Write([]byte("abcdefghij"), false)
	if err != nil {
		t.Fatal(err)
	}
	if loc1.ContainerID == loc2.ContainerID {
		t.Error("expected second write to roll over into a new container")
	}

	var sealedCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM containers WHERE is_sealed = 1`).Scan(&sealedCount); err != nil {
		t.Fatal(err)
	}
	if sealedCount != 1 {
		t.Errorf("sealed container count = %d, want 1", sealedCount)
	}
}
