package boardcfg

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/boardpack/internal/tree"
)

// Rename moves a file inside the tree; paths are slash-separated and relative
type Rename struct {
	From string
	To   string
}

// FileSection is a section duplication applied to one file of the tree
type FileSection struct {
	File string
	Section
}

// Transform is the full set of in-place edits applied to a work tree
type Transform struct {
	Renames      []Rename
	PlatformFile string
	Platform     *Platform
	Sections     []FileSection
}

// Apply runs t against the tree rooted at dir. Missing files are skipped.
// It returns the relative paths that were modified.
func Apply(dir string, t Transform, logger *slog.Logger) ([]string, error) {
	var changed []string

	for _, r := range t.Renames {
		from := filepath.Join(dir, filepath.FromSlash(r.From))
		to := filepath.Join(dir, filepath.FromSlash(r.To))
		if !tree.Exists(from) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
			return changed, err
		}
		if err := os.Rename(from, to); err != nil {
			return changed, fmt.Errorf("failed to rename %s: %w", r.From, err)
		}
		logger.Info("renamed file", "from", r.From, "to", r.To)
		changed = append(changed, r.To)
	}

	if t.Platform != nil && t.PlatformFile != "" {
		ok, err := edit(dir, t.PlatformFile, func(text string) (string, bool) {
			return RewritePlatform(text, *t.Platform)
		})
		if err != nil {
			return changed, err
		}
		if ok {
			logger.Info("rewrote platform definition", "file", t.PlatformFile, "name", t.Platform.Name)
			changed = append(changed, t.PlatformFile)
		}
	}

	for _, fs := range t.Sections {
		ok, err := edit(dir, fs.File, func(text string) (string, bool) {
			return DuplicateSection(text, fs.Section)
		})
		if err != nil {
			return changed, err
		}
		if ok {
			logger.Info("duplicated board section", "file", fs.File, "from", fs.OldKey, "to", fs.NewKey)
			changed = append(changed, fs.File)
		} else {
			logger.Warn("board section anchor not found", "file", fs.File, "anchor", fs.Anchor())
		}
	}

	return changed, nil
}

// edit rewrites a tree file in place when fn reports a change
func edit(dir, rel string, fn func(string) (string, bool)) (bool, error) {
	path := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	out, ok := fn(string(data))
	if !ok || out == string(data) {
		return false, nil
	}

	if err := tree.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return true, nil
}
