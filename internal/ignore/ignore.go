// Package ignore parses and evaluates .entanglementignore files: a
// default skip set plus one glob pattern per line, matched against a
// path's basename or its full relative path.
package ignore

import (
	"bufio"
	"os"
	"path"
	"strings"
)

// DefaultPatterns are always skipped, even with no .entanglementignore
// present.
var DefaultPatterns = []string{
	".DS_Store",
	".git/",
	"node_modules/",
	"Thumbs.db",
	"*.swp",
	"*.tmp",
	".entanglementignore",
}

// Matcher evaluates a relative path against a set of glob patterns.
type Matcher struct {
	patterns []pattern
}

type pattern struct {
	raw      string
	dirOnly  bool
}

// New builds a Matcher from the default set plus any additional patterns.
func New(extra []string) *Matcher {
	m := &Matcher{}
	for _, p := range DefaultPatterns {
		m.add(p)
	}
	for _, p := range extra {
		m.add(p)
	}
	return m
}

// Load reads a .entanglementignore file (if present) from root and
// builds a Matcher combining it with the default pattern set. A missing
// file is not an error.
func Load(root string) (*Matcher, error) {
	f, err := os.Open(path.Join(root, ".entanglementignore"))
	if os.IsNotExist(err) {
		return New(nil), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var extra []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		extra = append(extra, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return New(extra), nil
}

func (m *Matcher) add(raw string) {
	dirOnly := strings.HasSuffix(raw, "/")
	m.patterns = append(m.patterns, pattern{raw: strings.TrimSuffix(raw, "/"), dirOnly: dirOnly})
}

// Match reports whether relPath (slash-separated, relative to the sync
// root) should be ignored. isDir tells Match whether relPath itself
// names a directory, since a directory-only pattern (trailing '/') only
// excludes the final path component when it is a directory — any of its
// descendants are excluded regardless.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	base := path.Base(relPath)
	segments := strings.Split(relPath, "/")

	for _, p := range m.patterns {
		if globMatch(p.raw, relPath) && (!p.dirOnly || isDir) {
			return true
		}
		if globMatch(p.raw, base) && (!p.dirOnly || isDir) {
			return true
		}
		// A bare pattern with no slash also matches any ancestor directory
		// segment, ignoring everything beneath it (e.g. "node_modules/").
		if strings.Contains(p.raw, "/") {
			continue
		}
		for i, seg := range segments {
			isLast := i == len(segments)-1
			if !globMatch(p.raw, seg) {
				continue
			}
			if isLast && p.dirOnly && !isDir {
				continue
			}
			return true
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
