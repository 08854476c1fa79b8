// Package archive builds and unpacks the ZIP archives a board package is
// distributed as.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/schaermu/boardpack/internal/issue"
	"github.com/schaermu/boardpack/internal/tree"
)

// Layout selects how entries are named inside the archive
type Layout string

const (
	// Flat places files at the archive root
	Flat Layout = "flat"
	// Wrapped nests every file under a single root folder
	Wrapped Layout = "wrapped"
)

// Options configures Build
type Options struct {
	Layout Layout
	// RootName is the top-level folder for Wrapped; defaults to the base
	// name of the source directory.
	RootName string
}

// Build writes every non-hidden file below srcDir into a fresh ZIP at
// outPath and returns the number of entries written. Entries appear in
// directory-walk order.
func Build(srcDir, outPath string, opts Options) (int, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, issue.NotFoundf("archive", "source directory not found: %s", srcDir)
		}
		return 0, fmt.Errorf("failed to stat source directory: %w", err)
	}
	if !info.IsDir() {
		return 0, issue.New("archive", issue.Invalid, fmt.Errorf("source is not a directory: %s", srcDir))
	}

	root := ""
	switch opts.Layout {
	case Flat:
	case Wrapped, "":
		root = opts.RootName
		if root == "" {
			root = filepath.Base(filepath.Clean(srcDir))
		}
	default:
		return 0, issue.New("archive", issue.Invalid, fmt.Errorf("unknown archive layout %q", opts.Layout))
	}

	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to remove previous archive: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	count, err := write(srcDir, outPath, root)
	if err != nil {
		_ = os.Remove(outPath)
		return 0, err
	}
	return count, nil
}

func write(srcDir, outPath, root string) (count int, err error) {
	zipFile, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := zipFile.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
	}()

	zw := zip.NewWriter(zipFile)

	err = tree.Walk(srcDir, func(e tree.Entry) error {
		name := e.Rel
		if root != "" {
			name = path.Join(root, e.Rel)
		}
		if err := addFile(zw, e, name); err != nil {
			return fmt.Errorf("failed to add %s: %w", e.Rel, err)
		}
		count++
		return nil
	})
	if err != nil {
		_ = zw.Close()
		return 0, err
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return count, nil
}

func addFile(zw *zip.Writer, e tree.Entry, name string) error {
	header, err := zip.FileInfoHeader(e.Info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	_, err = io.Copy(w, f)
	return err
}

// Entries lists the file entry names of a ZIP in stored order
func Entries(zipPath string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, issue.NotFoundf("archive", "archive not found: %s", zipPath)
		}
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		names = append(names, f.Name)
	}
	return names, nil
}

// FileName returns the conventional archive file name for a package version
func FileName(name, version string) string {
	return fmt.Sprintf("%s-%s.zip", name, version)
}

// RemoveStale deletes "<prefix>-*.zip" files in dir other than keep and
// returns how many were removed.
func RemoveStale(dir, prefix, keep string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.zip"))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, m := range matches {
		if filepath.Base(m) == filepath.Base(keep) {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", m, err)
		}
		removed++
	}
	return removed, nil
}
