package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/boardpack/internal/issue"
)

// Extract unpacks zipPath into destDir and returns the directory holding
// the package: the single top-level folder when there is exactly one,
// otherwise a folder named wrapName that all top-level items are moved into.
func Extract(zipPath, destDir, wrapName string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if errors.Is(err, zip.ErrInsecurePath) {
		_ = r.Close()
		return "", issue.New("extract", issue.Invalid, fmt.Errorf("release archive has unsafe entry names: %w", err))
	}
	if err != nil {
		if os.IsNotExist(err) {
			return "", issue.NotFoundf("extract", "release archive not found: %s", zipPath)
		}
		return "", fmt.Errorf("failed to open release archive: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}

	for _, f := range r.File {
		if err := extractFile(f, destDir); err != nil {
			return "", err
		}
	}

	return singleRoot(destDir, wrapName)
}

func extractFile(f *zip.File, destDir string) error {
	target := filepath.Join(destDir, filepath.FromSlash(f.Name))
	if !within(destDir, target) {
		return issue.New("extract", issue.Invalid, fmt.Errorf("archive entry escapes destination: %s", f.Name))
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func singleRoot(destDir, wrapName string) (string, error) {
	items, err := os.ReadDir(destDir)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", issue.NotFoundf("extract", "release archive is empty")
	}
	if len(items) == 1 && items[0].IsDir() {
		return filepath.Join(destDir, items[0].Name()), nil
	}

	// Items are gathered under a temporary name first, since one of them
	// may already be called wrapName.
	tmp, err := os.MkdirTemp(destDir, "."+wrapName+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create wrapper folder: %w", err)
	}
	for _, item := range items {
		if err := os.Rename(filepath.Join(destDir, item.Name()), filepath.Join(tmp, item.Name())); err != nil {
			return "", fmt.Errorf("failed to move %s into wrapper: %w", item.Name(), err)
		}
	}

	wrapper := filepath.Join(destDir, wrapName)
	if err := os.Rename(tmp, wrapper); err != nil {
		return "", fmt.Errorf("failed to create wrapper folder: %w", err)
	}
	if err := os.Chmod(wrapper, 0755); err != nil {
		return "", err
	}
	return wrapper, nil
}
