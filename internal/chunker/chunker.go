// Package chunker implements the content-defined chunker (C3):
// FastCDC-2020 parameterised by tier, deterministic across runs and
// platforms, covering its input with no gaps or overlaps.
package chunker

import (
	"fmt"
	"math/bits"

	"github.com/entanglement-sync/core/internal/hashutil"
	"github.com/entanglement-sync/core/internal/tier"
)

// Chunk is one content-defined byte range of a file, with its own
// independently-computed BLAKE3 hash.
type Chunk struct {
	Offset int64
	Length int
	Hash   string
}

// Manifest is the result of chunking one file: its full-content hash plus
// the ordered, gap-free list of chunks that reconstruct it.
type Manifest struct {
	Tier        tier.Tier
	TotalSize   int64
	ContentHash string
	Chunks      []Chunk
}

// normalizationLevel biases the boundary search so chunk sizes cluster
// around avg rather than spreading uniformly between min and max.
const normalizationLevel = 2

// Chunk splits data into content-defined chunks per t's FastCDC
// parameters and hashes each independently with BLAKE3. Inline tier
// (zero-valued config) always yields a single record covering the whole
// input, including the empty input.
func Chunk(data []byte, t tier.Tier) Manifest {
	cfg := tier.ConfigFor(t)
	contentHash := hashutil.Sum(data)

	if cfg.MaxSize == 0 {
		return Manifest{
			Tier:        t,
			TotalSize:   int64(len(data)),
			ContentHash: contentHash,
			Chunks: []Chunk{{
				Offset: 0,
				Length: len(data),
				Hash:   contentHash,
			}},
		}
	}

	var chunks []Chunk
	var offset int64
	maskS, maskL := normalizedMasks(cfg.AvgSize)

	for len(data) > 0 {
		n := cutPoint(data, cfg, maskS, maskL)
		body := data[:n]
		chunks = append(chunks, Chunk{
			Offset: offset,
			Length: n,
			Hash:   hashutil.Sum(body),
		})
		offset += int64(n)
		data = data[n:]
	}

	return Manifest{
		Tier:        t,
		TotalSize:   offset,
		ContentHash: contentHash,
		Chunks:      chunks,
	}
}

// normalizedMasks derives the two gear-hash masks from the average chunk
// size: maskS (more bits set, harder to satisfy) is used below the normal
// size to discourage premature cuts; maskL (fewer bits, easier to
// satisfy) is used above it to encourage a cut before max is reached.
func normalizedMasks(avgSize int) (maskS, maskL uint64) {
	bitsForAvg := bits.Len(uint(avgSize))
	if bitsForAvg <= normalizationLevel {
		bitsForAvg = normalizationLevel + 1
	}
	maskS = ^uint64(0) >> (64 - (bitsForAvg + normalizationLevel))
	maskL = ^uint64(0) >> (64 - (bitsForAvg - normalizationLevel))
	return maskS, maskL
}

// cutPoint returns the length (in bytes) of the next chunk carved from the
// front of data, per the normalized FastCDC-2020 boundary rule.
func cutPoint(data []byte, cfg tier.Config, maskS, maskL uint64) int {
	n := len(data)
	if n <= cfg.MinSize {
		return n
	}
	maxLen := n
	if maxLen > cfg.MaxSize {
		maxLen = cfg.MaxSize
	}

	var fp uint64
	i := cfg.MinSize
	normal := cfg.AvgSize

	for ; i < normal && i < maxLen; i++ {
		fp = (fp << 1) + gear[data[i]]
		if fp&maskS == 0 {
			return i + 1
		}
	}
	for ; i < maxLen; i++ {
		fp = (fp << 1) + gear[data[i]]
		if fp&maskL == 0 {
			return i + 1
		}
	}
	return maxLen
}

// Reassemble verifies each chunk's BLAKE3 hash and concatenates the bodies
// in order, returning an error if any hash fails to verify or the total
// length doesn't match expectedSize (§8 invariant 1 and 3). Only the tests
// call it; the server's create-version and download paths do not.
func Reassemble(bodies [][]byte, hashes []string, expectedSize int64) ([]byte, error) {
	out := make([]byte, 0, expectedSize)
	for i, body := range bodies {
		got := hashutil.Sum(body)
		if got != hashes[i] {
			return nil, &HashMismatchError{Index: i, Want: hashes[i], Got: got}
		}
		out = append(out, body...)
	}
	if int64(len(out)) != expectedSize {
		return nil, &SizeMismatchError{Want: expectedSize, Got: int64(len(out))}
	}
	return out, nil
}

// HashMismatchError indicates a chunk body's hash doesn't match what the
// manifest claims — a Corruption-class error per §7.
type HashMismatchError struct {
	Index     int
	Want, Got string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("chunk %d hash mismatch: want %s got %s", e.Index, e.Want, e.Got)
}

// SizeMismatchError indicates the reassembled length doesn't match the
// version's declared size_bytes.
type SizeMismatchError struct {
	Want, Got int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: want %d got %d", e.Want, e.Got)
}
