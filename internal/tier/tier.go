// Package tier implements the tier selector (C2): a pure function from
// (path, size) to a FastCDC parameter set, shared verbatim between the
// client and server so both sides chunk identically.
package tier

import (
	"path/filepath"
	"strings"
)

// Tier categorizes a file by size and type for chunking and compression
// policy purposes.
type Tier int16

const (
	Inline Tier = iota
	Granular
	Standard
	Large
	Jumbo
)

func (t Tier) String() string {
	switch t {
	case Inline:
		return "inline"
	case Granular:
		return "granular"
	case Standard:
		return "standard"
	case Large:
		return "large"
	case Jumbo:
		return "jumbo"
	default:
		return "unknown"
	}
}

// Config carries the FastCDC (min, avg, max) byte parameters for a tier.
// Inline carries all zeros, meaning "do not chunk — one record for the
// whole input."
type Config struct {
	MinSize int
	AvgSize int
	MaxSize int
}

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

var configs = [...]Config{
	Inline:   {0, 0, 0},
	Granular: {2 * KiB, 4 * KiB, 8 * KiB},
	Standard: {16 * KiB, 32 * KiB, 64 * KiB},
	Large:    {512 * KiB, 1 * MiB, 2 * MiB},
	Jumbo:    {4 * MiB, 8 * MiB, 16 * MiB},
}

// ConfigFor returns the FastCDC parameters for t.
func ConfigFor(t Tier) Config { return configs[t] }

// Compressible reports whether chunks of this tier are Zstd-compressed
// before being written to a container (§4.4): Inline, Granular and
// Standard are; Large and Jumbo are stored raw.
func Compressible(t Tier) bool {
	return t == Inline || t == Granular || t == Standard
}

var jumboExts = map[string]bool{
	".iso": true, ".qcow2": true, ".vmdk": true, ".dmg": true, ".img": true,
}

var granularExts = map[string]bool{
	".c": true, ".cpp": true, ".h": true, ".hpp": true, ".rs": true,
	".swift": true, ".go": true, ".js": true, ".ts": true, ".py": true,
	".txt": true, ".md": true, ".json": true, ".xml": true, ".yaml": true,
	".yml": true, ".html": true, ".css": true,
}

const (
	inlineMax   = 4 * KiB
	jumboMin    = 5 * GiB
	largeMin    = 500 * MiB
	granularMax = 10 * MiB
)

// Select implements the §4.2 decision order exactly. It MUST be
// reproduced identically on the client and the server.
func Select(path string, size int64) Tier {
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case jumboExts[ext]:
		return Jumbo
	case size < inlineMax:
		return Inline
	case size > jumboMin:
		return Jumbo
	case size > largeMin:
		return Large
	case size < granularMax || granularExts[ext]:
		return Granular
	default:
		return Standard
	}
}
