package taskgraph

import (
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// Touches reports whether p falls inside the task's scope. Scope entries are
// glob patterns with '/' as separator, so "internal/**" matches any file
// below internal/. A plain directory entry also matches everything under it.
// Invalid patterns never match.
func (t Task) Touches(p string) bool {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	for _, pattern := range t.Scope {
		pattern = strings.TrimPrefix(pattern, "./")
		if pattern == "" {
			continue
		}
		if pattern == p || strings.HasPrefix(p, strings.TrimSuffix(pattern, "/")+"/") {
			return true
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		if g.Match(p) {
			return true
		}
	}
	return false
}

// Overlaps reports whether any scope entry of a matches a scope entry of b
// literally or as a glob.
func Overlaps(a, b Task) bool {
	for _, entry := range b.Scope {
		if a.Touches(entry) {
			return true
		}
	}
	for _, entry := range a.Scope {
		if b.Touches(entry) {
			return true
		}
	}
	return false
}
