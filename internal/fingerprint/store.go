package fingerprint

import (
	"fmt"
	"os"
	"strings"

	"github.com/schaermu/boardpack/internal/tree"
)

// Store persists the fingerprint of the last completed build in a sentinel file
type Store struct {
	path string
}

// NewStore creates a store backed by the file at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the stored fingerprint. Any read problem, an empty file or a
// malformed digest are all reported as "nothing stored".
func (s *Store) Load() (Fingerprint, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", false
	}

	fp := Fingerprint(strings.TrimSpace(string(data)))
	if !fp.Valid() {
		return "", false
	}
	return fp, true
}

// Save overwrites the sentinel with fp
func (s *Store) Save(fp Fingerprint) error {
	if err := tree.WriteFile(s.path, []byte(string(fp)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to save fingerprint: %w", err)
	}
	return nil
}

// NeedsRebuild compares current against the stored fingerprint
func (s *Store) NeedsRebuild(current Fingerprint) bool {
	stored, ok := s.Load()
	return NeedsRebuild(current, stored, ok)
}
