package chunker

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/entanglement-sync/core/internal/hashutil"
	"github.com/entanglement-sync/core/internal/tier"
)

func TestChunkInlineWholeFile(t *testing.T) {
	data := []byte("hello world")
	m := Chunk(data, tier.Inline)
	if len(m.Chunks) != 1 {
		t.Fatalf("inline tier should produce exactly one chunk, got %d", len(m.Chunks))
	}
	if m.Chunks[0].Length != len(data) {
		t.Errorf("chunk length = %d, want %d", m.Chunks[0].Length, len(data))
	}
}

func TestChunkInlineEmptyFile(t *testing.T) {
	m := Chunk(nil, tier.Inline)
	if len(m.Chunks) != 1 || m.Chunks[0].Length != 0 {
		t.Fatalf("empty inline input should produce one zero-length chunk, got %+v", m.Chunks)
	}
}

func TestChunkCoversWithNoGapsOrOverlaps(t *testing.T) {
	for _, tt := range []tier.Tier{tier.Granular, tier.Standard, tier.Large} {
		data := randomBytes(t, 400*1024)
		m := Chunk(data, tt)

		var total int64
		var offset int64
		for i, c := range m.Chunks {
			if c.Offset != offset {
				t.Fatalf("tier %v chunk %d offset = %d, want %d (gap or overlap)", tt, i, c.Offset, offset)
			}
			offset += int64(c.Length)
			total += int64(c.Length)
		}
		if total != int64(len(data)) {
			t.Errorf("tier %v sum of lengths = %d, want %d", tt, total, len(data))
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	data := randomBytes(t, 200*1024)
	m1 := Chunk(data, tier.Standard)
	m2 := Chunk(data, tier.Standard)

	if len(m1.Chunks) != len(m2.Chunks) {
		t.Fatalf("chunk count differs across invocations: %d vs %d", len(m1.Chunks), len(m2.Chunks))
	}
	for i := range m1.Chunks {
		if m1.Chunks[i] != m2.Chunks[i] {
			t.Fatalf("chunk %d differs across invocations: %+v vs %+v", i, m1.Chunks[i], m2.Chunks[i])
		}
	}
}

func TestChunkHashesAreIndependent(t *testing.T) {
	data := randomBytes(t, 150*1024)
	m := Chunk(data, tier.Standard)
	for _, c := range m.Chunks {
		body := data[c.Offset : c.Offset+int64(c.Length)]
		want := hashutil.Sum(body)
		if c.Hash != want {
			t.Errorf("chunk at offset %d has hash %s, want %s", c.Offset, c.Hash, want)
		}
	}
}

func TestReassemble(t *testing.T) {
	data := randomBytes(t, 300*1024)
	m := Chunk(data, tier.Standard)

	var bodies [][]byte
	var hashes []string
	for _, c := range m.Chunks {
		bodies = append(bodies, data[c.Offset:c.Offset+int64(c.Length)])
		hashes = append(hashes, c.Hash)
	}

	got, err := Reassemble(bodies, hashes, m.TotalSize)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled content does not match original")
	}
}

func TestReassembleRejectsHashMismatch(t *testing.T) {
	data := randomBytes(t, 10*1024)
	m := Chunk(data, tier.Granular)
	bodies := [][]byte{data}
	hashes := []string{m.ContentHash}
	bodies[0][0] ^= 0xFF // corrupt in place after hashing was computed

	_, err := Reassemble(bodies, hashes, m.TotalSize)
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestChunkSizesStayWithinTierBounds(t *testing.T) {
	data := randomBytes(t, 4*1024*1024)
	m := Chunk(data, tier.Standard)
	cfg := tier.ConfigFor(tier.Standard)

	if len(m.Chunks) < 10 {
		t.Fatalf("expected many chunks from 4MiB input, got %d", len(m.Chunks))
	}
	for _, c := range m.Chunks[:len(m.Chunks)-1] { // last chunk may be short
		if c.Length < cfg.MinSize || c.Length > cfg.MaxSize {
			t.Errorf("chunk length %d outside [%d,%d]", c.Length, cfg.MinSize, cfg.MaxSize)
		}
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}
