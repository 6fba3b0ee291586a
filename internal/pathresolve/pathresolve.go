// Package pathresolve implements path validation and virtual-folder /
// sticky-ID resolution (C7).
package pathresolve

import (
	"net/url"
	"strings"

	"github.com/entanglement-sync/core/internal/hashutil"
	"github.com/entanglement-sync/core/internal/synccore"
)

// Validate applies the §4.7 path validation rules: percent-decode, reject
// null bytes / backslashes / control characters, split on '/', reject any
// '..' segment, drop '.' segments, collapse repeated slashes, and allow
// only alphanumeric, '/', '.', '-', '_', and space after normalisation.
// The result always begins with '/'.
func Validate(raw string) (string, error) {
	if raw == "" {
		return "", synccore.New(synccore.KindValidation, "path must not be empty")
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", synccore.Wrap(synccore.KindValidation, "invalid percent-encoding", err)
	}

	for _, r := range decoded {
		if r == 0 {
			return "", synccore.New(synccore.KindValidation, "path contains a null byte")
		}
		if r == '\\' {
			return "", synccore.New(synccore.KindValidation, "path contains a backslash")
		}
		if r < 0x20 || r == 0x7f {
			return "", synccore.New(synccore.KindValidation, "path contains a control character")
		}
	}

	segments := strings.Split(decoded, "/")
	var clean []string
	for _, seg := range segments {
		switch seg {
		case "":
			continue // collapses repeated slashes
		case ".":
			continue // dropped
		case "..":
			return "", synccore.New(synccore.KindValidation, "path contains a '..' segment")
		default:
			clean = append(clean, seg)
		}
	}

	hadTrailingSlash := strings.HasSuffix(decoded, "/") && decoded != "/"
	result := "/" + strings.Join(clean, "/")
	if hadTrailingSlash && len(clean) > 0 {
		result += "/"
	}

	for _, r := range result {
		allowed := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '/' || r == '.' || r == '-' || r == '_' || r == ' '
		if !allowed {
			return "", synccore.New(synccore.KindValidation, "path contains a disallowed character")
		}
	}

	return result, nil
}

// VirtualFolderHash returns the sticky identifier for a directory path:
// BLAKE3 of the path string including its trailing slash.
func VirtualFolderHash(dirPath string) string {
	if !strings.HasSuffix(dirPath, "/") {
		dirPath += "/"
	}
	return hashutil.Sum([]byte(dirPath))
}

// DescendantPrefixes returns every directory prefix of path (ending at
// each '/' after position 0), e.g. "/a/b/c.txt" yields
// ["/a/", "/a/b/"].
func DescendantPrefixes(path string) []string {
	var prefixes []string
	for i, r := range path {
		if r == '/' && i > 0 {
			prefixes = append(prefixes, path[:i+1])
		}
	}
	return prefixes
}

// IsHexHash reports whether id looks like a 64-char lowercase hex BLAKE3
// digest rather than a real row identifier.
func IsHexHash(id string) bool {
	return hashutil.Valid(id)
}
