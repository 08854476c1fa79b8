package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/boardpack/internal/issue"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtract_SingleRoot(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "esp32-1.0.6.zip")
	writeZip(t, zipPath, map[string]string{
		"esp32-1.0.6/boards.txt":         "esp32.name=ESP32 Dev Module\n",
		"esp32-1.0.6/cores/esp32/main.c": "int main;",
	})

	dest := t.TempDir()
	root, err := Extract(zipPath, dest, "wrapped")
	if err != nil {
		t.Fatal(err)
	}
	if root != filepath.Join(dest, "esp32-1.0.6") {
		t.Errorf("unexpected root %s", root)
	}
	if _, err := os.Stat(filepath.Join(root, "cores", "esp32", "main.c")); err != nil {
		t.Errorf("expected extracted file: %v", err)
	}
}

func TestExtract_WrapsMultipleTopLevelItems(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "loose.zip")
	writeZip(t, zipPath, map[string]string{
		"boards.txt":     "x",
		"cores/core.h":   "y",
		"variants/v.txt": "z",
	})

	dest := t.TempDir()
	root, err := Extract(zipPath, dest, "nuttyfi32_bsp")
	if err != nil {
		t.Fatal(err)
	}
	if root != filepath.Join(dest, "nuttyfi32_bsp") {
		t.Errorf("unexpected root %s", root)
	}
	for _, rel := range []string{"boards.txt", "cores/core.h", "variants/v.txt"} {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			t.Errorf("expected %s in wrapper: %v", rel, err)
		}
	}
}

func TestExtract_WrapperNameAlreadyTaken(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "loose.zip")
	writeZip(t, zipPath, map[string]string{
		"boards.txt":             "x",
		"pkg-1.0.0/platform.txt": "y",
		"pkg-1.0.0/cores/core.h": "z",
	})

	dest := t.TempDir()
	root, err := Extract(zipPath, dest, "pkg-1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if root != filepath.Join(dest, "pkg-1.0.0") {
		t.Errorf("unexpected root %s", root)
	}
	for _, rel := range []string{"boards.txt", "pkg-1.0.0/platform.txt", "pkg-1.0.0/cores/core.h"} {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			t.Errorf("expected %s in wrapper: %v", rel, err)
		}
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the wrapper in %s, got %d entries", dest, len(entries))
	}
}

func TestExtract_RejectsTraversal(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, zipPath, map[string]string{"../escape.txt": "x"})

	_, err := Extract(zipPath, t.TempDir(), "w")
	if issue.KindOf(err) != issue.Invalid {
		t.Fatalf("expected invalid entry error, got %v", err)
	}
}

func TestExtract_Missing(t *testing.T) {
	_, err := Extract(filepath.Join(t.TempDir(), "none.zip"), t.TempDir(), "w")
	if issue.KindOf(err) != issue.NotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}
