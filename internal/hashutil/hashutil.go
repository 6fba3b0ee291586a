// Package hashutil wraps BLAKE3 hashing (C1): every identity in the sync
// core — chunk hash, file content hash, virtual-folder id — is a 32-byte
// BLAKE3 digest rendered as 64 lowercase hex characters.
package hashutil

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

const (
	// Size is the digest length in bytes.
	Size = 32
	// HexLen is the digest length rendered as lowercase hex.
	HexLen = Size * 2
)

// Sum returns the BLAKE3 digest of b as lowercase hex.
func Sum(b []byte) string {
	h := blake3.Sum256(b)
	return hex.EncodeToString(h[:])
}

// SumBytes returns the raw 32-byte BLAKE3 digest of b.
func SumBytes(b []byte) [Size]byte {
	return blake3.Sum256(b)
}

// Hasher accumulates bytes across multiple Write calls, for hashing data
// that should not be buffered whole in memory (e.g. a Jumbo-tier file).
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a streaming BLAKE3 hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// SumHex finalizes the hash and returns it as lowercase hex. The hasher
// remains usable for further writes per hash/Hash semantics, but callers
// should treat a Hasher as single-use.
func (h *Hasher) SumHex() string {
	sum := h.h.Sum(nil)
	return hex.EncodeToString(sum)
}

// HashReader streams r through BLAKE3 and returns the lowercase hex digest
// without holding the whole content in memory.
func HashReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether s is a well-formed 64-character lowercase hex
// BLAKE3 digest.
func Valid(s string) bool {
	if len(s) != HexLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
