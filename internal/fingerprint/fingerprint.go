// Package fingerprint computes metadata digests of source trees and release
// archives, and persists the digest of the last successful build so that
// unchanged sources can skip the rebuild.
//
// Directory fingerprints cover (path, mtime, size) only, not file contents.
// A content change that keeps both mtime and size is not detected.
package fingerprint

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/schaermu/boardpack/internal/issue"
	"github.com/schaermu/boardpack/internal/tree"
)

// Fingerprint is a lowercase hex SHA-256 digest
type Fingerprint string

type triple struct {
	name string
	a, b string
}

// Source fingerprints a directory or a ZIP archive depending on what path is
func Source(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", issue.NotFoundf("fingerprint", "source not found: %s", path)
		}
		return "", fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		return Directory(path)
	}
	return Archive(path)
}

// Directory fingerprints every non-hidden file below dir
func Directory(dir string) (Fingerprint, error) {
	if !tree.Exists(dir) {
		return "", issue.NotFoundf("fingerprint", "source directory not found: %s", dir)
	}

	files, err := tree.Files(dir)
	if err != nil {
		return "", fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	entries := make([]triple, 0, len(files))
	for _, e := range files {
		entries = append(entries, triple{
			name: e.Rel,
			a:    strconv.FormatInt(e.Info.ModTime().UnixNano(), 10),
			b:    strconv.FormatInt(e.Info.Size(), 10),
		})
	}
	return fold(entries), nil
}

// Archive fingerprints the entries of a ZIP file by name, size and CRC-32
func Archive(zipPath string) (Fingerprint, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", issue.NotFoundf("fingerprint", "archive not found: %s", zipPath)
		}
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()

	var entries []triple
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, ".") || strings.HasSuffix(f.Name, "/") {
			continue
		}
		entries = append(entries, triple{
			name: f.Name,
			a:    strconv.FormatUint(f.UncompressedSize64, 10),
			b:    strconv.FormatUint(uint64(f.CRC32), 10),
		})
	}

	return fold(entries), nil
}

func fold(entries []triple) Fingerprint {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})

	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.name + ":" + e.a + ":" + e.b))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Valid reports whether fp looks like a digest produced by this package
func (fp Fingerprint) Valid() bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(fp))
	return err == nil
}

// NeedsRebuild is true unless a stored fingerprint exists and equals current
func NeedsRebuild(current, stored Fingerprint, ok bool) bool {
	if !ok {
		return true
	}
	return current != stored
}
