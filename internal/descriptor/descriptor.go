// Package descriptor maintains the package index JSON an Arduino board
// manager reads to locate and verify a release archive.
//
// Only the first platform of the first package is managed. Sync rewrites
// its version, url, archiveFileName, checksum and size and keeps every other
// member of the document, including key order.
package descriptor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/schaermu/boardpack/internal/issue"
	"github.com/schaermu/boardpack/internal/tree"
)

// ChecksumPrefix tags checksums with their algorithm
const ChecksumPrefix = "SHA-256:"

var errMalformed = errors.New("descriptor has no packages[0].platforms[0] entry")

// Release describes the archive a platform entry should point at
type Release struct {
	Version         string
	BaseURL         string
	ArchiveFileName string
}

// URL is the download location of the archive
func (r Release) URL() string {
	return strings.TrimRight(r.BaseURL, "/") + "/" + r.Version + "/" + r.ArchiveFileName
}

// Result is what Sync wrote into the descriptor
type Result struct {
	Checksum string
	Size     int64
}

// Platform holds the managed fields of packages[0].platforms[0]
type Platform struct {
	Version         string `json:"version"`
	URL             string `json:"url"`
	ArchiveFileName string `json:"archiveFileName"`
	Checksum        string `json:"checksum"`
	Size            string `json:"size"`
}

// Checksum returns the tagged uppercase SHA-256 and the size of a file
func Checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, issue.NotFoundf("descriptor", "archive not found: %s", path)
		}
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return ChecksumPrefix + strings.ToUpper(hex.EncodeToString(h.Sum(nil))), n, nil
}

// Sync points the descriptor at path to archivePath. The document is read
// from path, else from template, else a minimal one is synthesized.
func Sync(path, template, archivePath string, rel Release) (Result, error) {
	checksum, size, err := Checksum(archivePath)
	if err != nil {
		return Result{}, err
	}

	doc, err := load(path, template)
	if err != nil {
		return Result{}, err
	}

	fields := Platform{
		Version:         rel.Version,
		URL:             rel.URL(),
		ArchiveFileName: rel.ArchiveFileName,
		Checksum:        checksum,
		Size:            strconv.FormatInt(size, 10),
	}

	if doc == nil {
		doc, err = minimal(fields)
	} else {
		err = update(&doc, fields)
	}
	if err != nil {
		return Result{}, issue.New("descriptor", issue.Invalid, err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, doc, "  "); err != nil {
		return Result{}, fmt.Errorf("failed to encode descriptor: %w", err)
	}

	if err := tree.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return Result{}, fmt.Errorf("failed to write descriptor: %w", err)
	}

	return Result{Checksum: checksum, Size: size}, nil
}

// Lookup reads the managed platform fields of the descriptor at path
func Lookup(path string) (Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Platform{}, issue.NotFoundf("descriptor", "descriptor not found: %s", path)
		}
		return Platform{}, err
	}

	var doc struct {
		Packages []struct {
			Platforms []Platform `json:"platforms"`
		} `json:"packages"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Platform{}, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if len(doc.Packages) == 0 || len(doc.Packages[0].Platforms) == 0 {
		return Platform{}, errMalformed
	}
	return doc.Packages[0].Platforms[0], nil
}

// load returns nil, nil when neither path nor template exists
func load(path, template string) (object, error) {
	for _, p := range []string{path, template} {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read descriptor: %w", err)
		}

		var doc object
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, issue.New("descriptor", issue.Invalid, fmt.Errorf("failed to parse %s: %w", p, err))
		}
		return doc, nil
	}
	return nil, nil
}

func minimal(fields Platform) (object, error) {
	platform, err := marshal(fields)
	if err != nil {
		return nil, err
	}
	var pkg object
	if err := pkg.set("platforms", []json.RawMessage{platform}); err != nil {
		return nil, err
	}
	var doc object
	if err := doc.set("packages", []object{pkg}); err != nil {
		return nil, err
	}
	return doc, nil
}

func update(doc *object, fields Platform) error {
	packages, pkg, err := first(*doc, "packages")
	if err != nil {
		return err
	}
	platforms, platform, err := first(pkg, "platforms")
	if err != nil {
		return err
	}

	for _, kv := range []struct {
		key   string
		value string
	}{
		{"version", fields.Version},
		{"url", fields.URL},
		{"archiveFileName", fields.ArchiveFileName},
		{"checksum", fields.Checksum},
		{"size", fields.Size},
	} {
		if err := platform.set(kv.key, kv.value); err != nil {
			return err
		}
	}

	if err := replaceFirst(platforms, platform); err != nil {
		return err
	}
	if err := pkg.set("platforms", platforms); err != nil {
		return err
	}
	if err := replaceFirst(packages, pkg); err != nil {
		return err
	}
	return doc.set("packages", packages)
}

// first decodes the array under key and its first element
func first(o object, key string) ([]json.RawMessage, object, error) {
	raw, ok := o.get(key)
	if !ok {
		return nil, nil, errMalformed
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return nil, nil, errMalformed
	}

	var head object
	if err := json.Unmarshal(items[0], &head); err != nil {
		return nil, nil, fmt.Errorf("%s[0]: %w", key, err)
	}
	return items, head, nil
}

func replaceFirst(items []json.RawMessage, o object) error {
	raw, err := marshal(o)
	if err != nil {
		return err
	}
	items[0] = bytes.TrimSpace(raw)
	return nil
}
