package gitrepo

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IsProtected reports whether rel falls under one of the protected entries.
// Entries ending in "/" are directory prefixes; anything else is a doublestar
// pattern, with a plain path also matching everything beneath it.
func IsProtected(protected []string, rel string) bool {
	rel = strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "./")
	for _, p := range protected {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(rel+"/", p) {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// ProtectedTouched filters files down to those under a protected entry.
func ProtectedTouched(protected, files []string) []string {
	var out []string
	for _, f := range files {
		if IsProtected(protected, f) {
			out = append(out, f)
		}
	}
	return out
}
