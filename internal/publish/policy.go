package publish

import (
	"path"
	"strings"

	"github.com/schaermu/boardpack/internal/tree"
)

// Policy decides which names of the transformed tree reach the remote.
// Hidden names are always excluded.
type Policy struct {
	ExcludeNames      []string
	ExcludeExtensions []string
	// Force replaces remote history on push
	Force bool
}

// Allowed reports whether a single path segment may be published.
// Extensions only apply to files.
func (p Policy) Allowed(name string, isDir bool) bool {
	if tree.IsHidden(name) {
		return false
	}
	for _, n := range p.ExcludeNames {
		if name == n {
			return false
		}
	}
	if isDir {
		return true
	}
	ext := strings.ToLower(path.Ext(name))
	for _, e := range p.ExcludeExtensions {
		if ext != "" && ext == strings.ToLower(e) {
			return false
		}
	}
	return true
}

// AllowedPath applies Allowed to every segment of a slash-separated file path
func (p Policy) AllowedPath(rel string) bool {
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if !p.Allowed(part, i < len(parts)-1) {
			return false
		}
	}
	return true
}
