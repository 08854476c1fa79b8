package pipeline

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/boardpack/internal/archive"
	"github.com/schaermu/boardpack/internal/config"
	"github.com/schaermu/boardpack/internal/descriptor"
	"github.com/schaermu/boardpack/internal/fingerprint"
	"github.com/schaermu/boardpack/internal/git"
	"github.com/schaermu/boardpack/internal/issue"
	"github.com/schaermu/boardpack/internal/publish"
	"github.com/schaermu/boardpack/internal/testutil"
)

const boardsTxt = `# ESP32 boards
esp32.name=ESP32 Dev Module
esp32.upload.tool=esptool_py
esp32.build.mcu=esp32
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// seedSource creates the unmodified board tree below base/esp32
func seedSource(t *testing.T, base string) {
	t.Helper()
	writeFile(t, filepath.Join(base, "esp32", "boards.txt"), boardsTxt)
	writeFile(t, filepath.Join(base, "esp32", "platform.txt"), "name=ESP32 Arduino\nversion=3.0.7\n")
	writeFile(t, filepath.Join(base, "esp32", "cores", "esp32", "Arduino.h"), "#pragma once\n")
	writeFile(t, filepath.Join(base, "esp32", ".DS_Store"), "junk")
}

func loadConfig(t *testing.T, base, extra string) *config.Config {
	t.Helper()
	content := fmt.Sprintf(`
version: "1.0.0"
paths:
  base_dir: %q
  source_dir: "esp32"
package:
  name: "pkg"
  root_name: "pkg-1.0.0"
  layout: "wrapped"
descriptor:
  path: "package_pkg_index.json"
  base_url: "https://example.com/releases/download"
transform:
  platform:
    file: "platform.txt"
    name: "pkg"
    match: "ESP32"
  sections:
    - file: "boards.txt"
      old_key: "esp32"
      new_key: "nuttyfi32"
      label: "ESP32 Dev Module"
%s`, base, extra)

	path := filepath.Join(t.TempDir(), "boardpack.yaml")
	writeFile(t, path, content)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func readZipFile(t *testing.T, zipPath, name string) string {
	t.Helper()
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = r.Close()
	}()
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}
	t.Fatalf("%s not found in %s", name, zipPath)
	return ""
}

func countPrefixed(text, prefix string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func stageStatus(t *testing.T, r *Report, name string) Status {
	t.Helper()
	s, ok := r.Stage(name)
	if !ok {
		t.Fatalf("stage %s missing from report", name)
	}
	return s.Status
}

func TestRun_EndToEnd(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)
	cfg := loadConfig(t, base, "")

	report, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Failed() || !report.Rebuilt {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Stages) != len(Stages) {
		t.Errorf("expected %d stages in report, got %d", len(Stages), len(report.Stages))
	}

	entries, err := archive.Entries(cfg.ArchivePath())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e, "pkg-1.0.0/") {
			t.Errorf("entry %s is not under the archive root", e)
		}
		if strings.Contains(e, ".DS_Store") {
			t.Errorf("hidden file %s was archived", e)
		}
	}

	boards := readZipFile(t, cfg.ArchivePath(), "pkg-1.0.0/boards.txt")
	if n := countPrefixed(boards, "esp32."); n != 3 {
		t.Errorf("expected 3 original lines, got %d:\n%s", n, boards)
	}
	if n := countPrefixed(boards, "nuttyfi32."); n != 3 {
		t.Errorf("expected 3 renamed lines, got %d:\n%s", n, boards)
	}
	platform := readZipFile(t, cfg.ArchivePath(), "pkg-1.0.0/platform.txt")
	if !strings.HasPrefix(platform, "name=pkg\n") {
		t.Errorf("platform name not rewritten:\n%s", platform)
	}

	data, err := os.ReadFile(cfg.ArchivePath())
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(data)
	wantChecksum := descriptor.ChecksumPrefix + strings.ToUpper(hex.EncodeToString(sum[:]))

	got, err := descriptor.Lookup(cfg.DescriptorPath())
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != "1.0.0" {
		t.Errorf("descriptor version = %s, want 1.0.0", got.Version)
	}
	if got.Checksum != wantChecksum {
		t.Errorf("descriptor checksum = %s, want %s", got.Checksum, wantChecksum)
	}
	if got.URL != "https://example.com/releases/download/1.0.0/pkg-1.0.0.zip" {
		t.Errorf("descriptor url = %s", got.URL)
	}
	if report.Checksum != wantChecksum {
		t.Errorf("report checksum = %s, want %s", report.Checksum, wantChecksum)
	}

	stored, ok := fingerprint.NewStore(cfg.StateFilePath()).Load()
	if !ok || stored != report.Fingerprint {
		t.Errorf("stored fingerprint = %q (%v), want %q", stored, ok, report.Fingerprint)
	}

	// The source tree is never modified in place
	src, err := os.ReadFile(filepath.Join(base, "esp32", "boards.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(src) != boardsTxt {
		t.Error("source boards.txt was modified")
	}
	if _, err := os.Stat(cfg.WorkDir()); !os.IsNotExist(err) {
		t.Error("work dir should be removed after the run")
	}
}

func TestRun_SecondRunIsNoOp(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)
	cfg := loadConfig(t, base, "")
	ctx := context.Background()

	if _, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	before, err := os.Stat(cfg.ArchivePath())
	if err != nil {
		t.Fatal(err)
	}

	report, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(ctx)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if report.Rebuilt {
		t.Error("unchanged source should not be rebuilt")
	}
	for _, name := range []string{StageFingerprint, StageArchive, StageDescriptor} {
		if s := stageStatus(t, report, name); s != StatusNoOp {
			t.Errorf("stage %s = %s, want noop", name, s)
		}
	}

	after, err := os.Stat(cfg.ArchivePath())
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("archive should not be rewritten")
	}
}

func TestRun_RebuildTriggers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, cfg *config.Config, base string)
		opts   Options
		reason string
	}{
		{
			name: "source changed",
			mutate: func(t *testing.T, _ *config.Config, base string) {
				writeFile(t, filepath.Join(base, "esp32", "boards.txt"), boardsTxt+"esp32.build.f_cpu=240000000L\n")
			},
			reason: "source changed",
		},
		{
			name: "archive missing",
			mutate: func(t *testing.T, cfg *config.Config, _ string) {
				if err := os.Remove(cfg.ArchivePath()); err != nil {
					t.Fatal(err)
				}
			},
			reason: "archive missing",
		},
		{
			name: "sentinel corrupt",
			mutate: func(t *testing.T, cfg *config.Config, _ string) {
				writeFile(t, cfg.StateFilePath(), "garbage")
			},
			reason: "source changed",
		},
		{
			name:   "forced",
			mutate: func(*testing.T, *config.Config, string) {},
			opts:   Options{Force: true},
			reason: "forced",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			seedSource(t, base)
			cfg := loadConfig(t, base, "")
			ctx := context.Background()

			if _, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(ctx); err != nil {
				t.Fatalf("first run failed: %v", err)
			}
			tt.mutate(t, cfg, base)

			opts := tt.opts
			opts.Mode = ModeBuild
			report, err := NewEngine(cfg, nil, testLogger(), opts).Run(ctx)
			if err != nil {
				t.Fatalf("second run failed: %v", err)
			}
			if !report.Rebuilt {
				t.Fatal("expected a rebuild")
			}
			s, _ := report.Stage(StageFingerprint)
			if s.Detail != tt.reason {
				t.Errorf("fingerprint detail = %q, want %q", s.Detail, tt.reason)
			}
		})
	}
}

func TestRun_StaleArchivesRemoved(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)
	writeFile(t, filepath.Join(base, "pkg-0.9.0.zip"), "old")
	cfg := loadConfig(t, base, "")

	report, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s := stageStatus(t, report, StageCleanup); s != StatusSuccess {
		t.Errorf("cleanup = %s, want success", s)
	}
	if _, err := os.Stat(filepath.Join(base, "pkg-0.9.0.zip")); !os.IsNotExist(err) {
		t.Error("stale archive should be removed")
	}
}

func TestRun_DryRun(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)
	cfg := loadConfig(t, base, "")

	report, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild, DryRun: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s := stageStatus(t, report, StageFingerprint); s != StatusSuccess {
		t.Errorf("fingerprint = %s, want success", s)
	}
	for _, name := range []string{StageCleanup, StagePrepare, StageArchive, StageDescriptor, StagePublish} {
		if s := stageStatus(t, report, name); s != StatusSkipped {
			t.Errorf("stage %s = %s, want skipped", name, s)
		}
	}
	if _, err := os.Stat(cfg.ArchivePath()); !os.IsNotExist(err) {
		t.Error("dry-run must not build an archive")
	}
	if _, ok := fingerprint.NewStore(cfg.StateFilePath()).Load(); ok {
		t.Error("dry-run must not persist a fingerprint")
	}
}

func TestRun_DryRunWhilePublishing(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)
	cfg := loadConfig(t, base, `
publish:
  enabled: true
`)

	report, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeRun, DryRun: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	s, ok := report.Stage(StageSync)
	if !ok {
		t.Fatal("sync stage missing from report")
	}
	if s.Status != StatusSkipped || s.Detail != "dry-run" {
		t.Errorf("sync = %s (%q), want skipped (\"dry-run\")", s.Status, s.Detail)
	}
	if s := stageStatus(t, report, StagePublish); s != StatusSkipped {
		t.Errorf("publish = %s, want skipped", s)
	}
}

func TestRun_MissingSource(t *testing.T) {
	base := t.TempDir()
	cfg := loadConfig(t, base, "")

	report, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(context.Background())
	if !errors.Is(err, issue.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if !report.Failed() {
		t.Error("report should record the failure")
	}
	if s := stageStatus(t, report, StageArchive); s != StatusSkipped {
		t.Errorf("archive = %s, want skipped", s)
	}
}

func TestRun_FailedBuildKeepsFingerprint(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)
	cfg := loadConfig(t, base, "")
	writeFile(t, cfg.DescriptorPath(), `{"packages": []}`)

	_, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(context.Background())
	if issue.KindOf(err) != issue.Invalid {
		t.Fatalf("expected invalid descriptor error, got %v", err)
	}
	if _, ok := fingerprint.NewStore(cfg.StateFilePath()).Load(); ok {
		t.Error("fingerprint must only be saved after a completed build")
	}
}

func TestRun_ReleaseZipPreferred(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)

	upstream := filepath.Join(t.TempDir(), "esp32-3.0.7")
	writeFile(t, filepath.Join(upstream, "boards.txt"), boardsTxt)
	writeFile(t, filepath.Join(upstream, "upstream-only.txt"), "from the release\n")
	zipPath := filepath.Join(base, "esp32-3.0.7.zip")
	if _, err := archive.Build(upstream, zipPath, archive.Options{Layout: archive.Wrapped}); err != nil {
		t.Fatal(err)
	}

	cfg := loadConfig(t, base, "")
	cfg.Paths.ReleaseZip = "esp32-3.0.7.zip"

	report, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want, err := fingerprint.Archive(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	if report.Fingerprint != want {
		t.Errorf("fingerprint should come from the release archive")
	}

	if got := readZipFile(t, cfg.ArchivePath(), "pkg-1.0.0/upstream-only.txt"); got != "from the release\n" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestRun_FlatLayout(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)
	cfg := loadConfig(t, base, "")
	cfg.Package.Layout = archive.Flat

	if _, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeBuild}).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries, err := archive.Entries(cfg.ArchivePath())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e == "boards.txt" {
			found = true
		}
		if strings.HasPrefix(e, "pkg-1.0.0/") {
			t.Errorf("flat archive has wrapped entry %s", e)
		}
	}
	if !found {
		t.Errorf("expected boards.txt at archive root, got %v", entries)
	}
}

func TestRun_BuildAndPublish(t *testing.T) {
	ctx := context.Background()

	remote := testutil.BareRemote(t, "Master")
	base := testutil.Clone(t, remote, "Master")
	seedSource(t, base)

	cfg := loadConfig(t, base, fmt.Sprintf(`
publish:
  enabled: true
  remote_url: %q
  push_timeout: "1m"
`, remote))
	newEngine := func() *Engine {
		client := git.NewShellClient(cfg.PublishDir(), cfg.Publish.RemoteURL, "", "")
		return NewEngine(cfg, client, testLogger(), Options{Mode: ModeRun})
	}

	report, err := newEngine().Run(ctx)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if report.Outcome != publish.OutcomePushed {
		t.Fatalf("expected pushed outcome, got %q", report.Outcome)
	}

	files := testutil.Git(t, "-C", remote, "ls-tree", "-r", "--name-only", "Master")
	for _, f := range []string{"boards.txt", "platform.txt", "cores/esp32/Arduino.h", "package_pkg_index.json"} {
		if !strings.Contains(files, f) {
			t.Errorf("expected %s on remote, got:\n%s", f, files)
		}
	}
	for _, line := range strings.Split(strings.TrimSpace(files), "\n") {
		for _, f := range []string{"esp32/", "pkg-1.0.0.zip", ".zip_hash", ".boardpack-work"} {
			if strings.HasPrefix(line, f) {
				t.Errorf("%s must not be published", line)
			}
		}
	}
	head := strings.TrimSpace(testutil.Git(t, "-C", remote, "rev-parse", "Master"))

	report, err = newEngine().Run(ctx)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if report.Rebuilt {
		t.Error("second run should not rebuild")
	}
	if s := stageStatus(t, report, StagePublish); s != StatusNoOp {
		t.Errorf("publish = %s, want noop", s)
	}
	if after := strings.TrimSpace(testutil.Git(t, "-C", remote, "rev-parse", "Master")); after != head {
		t.Errorf("remote head moved from %s to %s", head, after)
	}
}

func TestRun_PublishFailureReported(t *testing.T) {
	base := t.TempDir()
	testutil.Git(t, "init", "-b", "Master", base)
	seedSource(t, base)

	cfg := loadConfig(t, base, `
publish:
  enabled: true
  remote_url: "/nonexistent/remote.git"
`)
	testutil.Git(t, "-C", base, "remote", "add", "origin", "/nonexistent/remote.git")

	client := git.NewShellClient(cfg.PublishDir(), cfg.Publish.RemoteURL, "", "")
	report, err := NewEngine(cfg, client, testLogger(), Options{Mode: ModeRun}).Run(context.Background())
	if err == nil {
		t.Fatal("expected sync failure")
	}
	if s := stageStatus(t, report, StageSync); s != StatusFailed {
		t.Errorf("sync = %s, want failed", s)
	}
	if s := stageStatus(t, report, StageArchive); s != StatusSkipped {
		t.Errorf("archive = %s, want skipped after sync failure", s)
	}
	if _, ok := fingerprint.NewStore(cfg.StateFilePath()).Load(); ok {
		t.Error("no fingerprint should be saved when the run fails early")
	}
}

func TestRun_SkipPublish(t *testing.T) {
	base := t.TempDir()
	seedSource(t, base)
	cfg := loadConfig(t, base, `
publish:
  enabled: true
`)

	report, err := NewEngine(cfg, nil, testLogger(), Options{Mode: ModeRun, SkipPublish: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, name := range []string{StageSync, StagePublish} {
		if s := stageStatus(t, report, name); s != StatusSkipped {
			t.Errorf("stage %s = %s, want skipped", name, s)
		}
	}
	if !report.Rebuilt {
		t.Error("build should still run when publishing is skipped")
	}
}
