package tree

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Entry is a regular file discovered below a tree root
type Entry struct {
	Rel  string // slash-separated path relative to the root
	Path string // absolute or root-joined path on disk
	Info fs.FileInfo
}

// IsHidden reports whether a file or directory name is hidden
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Walk visits every non-hidden regular file below root in directory-walk
// order. Hidden directories are pruned before descending.
func Walk(root string, fn func(Entry) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != root && IsHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return fn(Entry{Rel: filepath.ToSlash(rel), Path: path, Info: info})
	})
}

// Files returns all non-hidden regular files below root
func Files(root string) ([]Entry, error) {
	var entries []Entry
	err := Walk(root, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CopyFile copies a file from src to dst with atomic write, keeping the
// source permissions.
func CopyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	return writeAtomic(dst, srcInfo.Mode().Perm(), func(w io.Writer) error {
		_, err := io.Copy(w, srcFile)
		return err
	})
}

// WriteFile writes data to path atomically via a temp file and rename
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return writeAtomic(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeAtomic(dst string, perm os.FileMode, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".boardpack-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if err := fill(tmpFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// CopyTree copies every non-hidden file of src below dst, returning the
// number of files copied. Existing files at dst are overwritten.
func CopyTree(src, dst string) (int, error) {
	count := 0
	err := Walk(src, func(e Entry) error {
		if err := CopyFile(e.Path, filepath.Join(dst, filepath.FromSlash(e.Rel))); err != nil {
			return fmt.Errorf("failed to copy %s: %w", e.Rel, err)
		}
		count++
		return nil
	})
	return count, err
}

// Exists reports whether path exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
