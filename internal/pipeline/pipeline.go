// Package pipeline runs the build and publish stages against one
// configuration: fingerprint gating, tree preparation, archive and
// descriptor production, and the git publish workflow.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/boardpack/internal/archive"
	"github.com/schaermu/boardpack/internal/boardcfg"
	"github.com/schaermu/boardpack/internal/config"
	"github.com/schaermu/boardpack/internal/descriptor"
	"github.com/schaermu/boardpack/internal/fingerprint"
	"github.com/schaermu/boardpack/internal/git"
	"github.com/schaermu/boardpack/internal/issue"
	"github.com/schaermu/boardpack/internal/publish"
	"github.com/schaermu/boardpack/internal/tree"
)

// Mode selects which stages run
type Mode string

const (
	// ModeRun builds when needed and publishes when publish.enabled is set
	ModeRun Mode = "run"
	// ModeBuild never touches git
	ModeBuild Mode = "build"
	// ModePublish prepares the tree and publishes it without rebuilding
	// the archive or the descriptor
	ModePublish Mode = "publish"
)

// Options alter a single run
type Options struct {
	Mode Mode
	// DryRun stops after the fingerprint decision
	DryRun      bool
	SkipPublish bool
	// Force rebuilds regardless of the stored fingerprint
	Force bool
}

// Engine orchestrates the pipeline
type Engine struct {
	cfg    *config.Config
	git    git.Client
	logger *slog.Logger
	opts   Options
}

// NewEngine creates a new pipeline engine
func NewEngine(cfg *config.Config, gitClient git.Client, logger *slog.Logger, opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = ModeRun
	}
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		logger: logger,
		opts:   opts,
	}
}

// run holds the state threaded through one pipeline execution
type run struct {
	report   *Report
	workflow *publish.Workflow
	store    *fingerprint.Store
	treeDir  string
}

// Run executes the pipeline. The returned report is never nil and records
// every stage, including the one that failed.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	r := &run{
		report: &Report{ArchivePath: e.cfg.ArchivePath()},
		store:  fingerprint.NewStore(e.cfg.StateFilePath()),
	}

	e.logger.Info("starting pipeline",
		"package", e.cfg.Package.Name,
		"version", e.cfg.Version,
		"mode", e.opts.Mode,
		"dry_run", e.opts.DryRun)

	// The work dir only lives for the duration of a run
	defer func() {
		if err := os.RemoveAll(e.cfg.WorkDir()); err != nil {
			e.logger.Warn("failed to remove work dir", "path", e.cfg.WorkDir(), "error", err)
		}
	}()

	err := e.execute(ctx, r)
	if err != nil {
		r.report.skipRest("previous stage failed")
		return r.report, err
	}
	r.report.skipRest("")

	e.logger.Info("pipeline completed",
		"rebuilt", r.report.Rebuilt,
		"outcome", r.report.Outcome)
	return r.report, nil
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	publishing := e.publishing()

	switch {
	case !publishing:
		r.report.record(StageSync, StatusSkipped, "publishing disabled")
	case e.opts.DryRun:
		r.report.record(StageSync, StatusSkipped, "dry-run")
	default:
		if err := e.sync(ctx, r); err != nil {
			return err
		}
	}

	rebuild := false
	if e.opts.Mode != ModePublish {
		var err error
		if rebuild, err = e.checkFingerprint(r); err != nil {
			return err
		}
	} else {
		r.report.record(StageFingerprint, StatusSkipped, "publish only")
	}

	if e.opts.DryRun {
		e.logger.Info("dry-run complete, no changes applied", "rebuild", rebuild)
		r.report.skipRest("dry-run")
		return nil
	}

	if rebuild {
		if err := e.cleanup(r); err != nil {
			return err
		}
	} else {
		r.report.record(StageCleanup, StatusNoOp, "nothing to rebuild")
	}

	if rebuild || publishing {
		if err := e.prepare(r); err != nil {
			return err
		}
	} else {
		r.report.record(StagePrepare, StatusNoOp, "nothing to rebuild")
	}

	if rebuild {
		if err := e.buildArchive(r); err != nil {
			return err
		}
		if err := e.syncDescriptor(r); err != nil {
			return err
		}
	} else {
		r.report.record(StageArchive, StatusNoOp, "archive up to date")
		r.report.record(StageDescriptor, StatusNoOp, "descriptor up to date")
	}

	if publishing {
		return e.publish(ctx, r)
	}
	r.report.record(StagePublish, StatusSkipped, "publishing disabled")
	return nil
}

func (e *Engine) publishing() bool {
	switch e.opts.Mode {
	case ModePublish:
		return true
	case ModeRun:
		return e.cfg.Publish.Enabled && !e.opts.SkipPublish
	default:
		return false
	}
}

func (e *Engine) sync(ctx context.Context, r *run) error {
	r.workflow = publish.New(publish.Options{
		Dir:            e.cfg.PublishDir(),
		Remote:         e.cfg.Publish.Remote,
		RemoteURL:      e.cfg.Publish.RemoteURL,
		Branch:         e.cfg.Publish.Branch,
		PushTimeout:    e.cfg.Publish.PushTimeout,
		CommitMessage:  e.cfg.Publish.CommitMessage,
		Version:        e.cfg.Version,
		DescriptorPath: e.cfg.DescriptorPath(),
		Policy: publish.Policy{
			ExcludeNames:      e.cfg.ExcludedNames(),
			ExcludeExtensions: e.cfg.Publish.ExcludeExtensions,
			Force:             e.cfg.Publish.Force,
		},
	}, e.git, e.logger)

	e.logger.Info("synchronizing with remote",
		"dir", e.cfg.PublishDir(),
		"branch", e.cfg.Publish.Branch,
		"auth", e.cfg.AuthMethod())
	if err := r.workflow.Sync(ctx); err != nil {
		return r.report.fail(StageSync, err)
	}
	r.report.record(StageSync, StatusSuccess, fmt.Sprintf("%s/%s", e.cfg.Publish.Remote, e.cfg.Publish.Branch))
	return nil
}

// source returns the release archive when present, else the source dir
func (e *Engine) source() (string, error) {
	if zip := e.cfg.ReleaseZip(); zip != "" && tree.Exists(zip) {
		return zip, nil
	}
	if dir := e.cfg.SourceDir(); dir != "" && tree.Exists(dir) {
		return dir, nil
	}
	return "", issue.NotFoundf(StageFingerprint, "no source: neither %q nor %q exists", e.cfg.ReleaseZip(), e.cfg.SourceDir())
}

// Decision explains whether the archive has to be rebuilt
type Decision struct {
	Source  string
	Current fingerprint.Fingerprint
	Stored  fingerprint.Fingerprint
	// Reason is empty when no rebuild is needed
	Reason string
}

// Rebuild reports whether a rebuild is needed
func (d Decision) Rebuild() bool {
	return d.Reason != ""
}

// Decide fingerprints the source and compares it with the sentinel file
// without changing anything on disk
func (e *Engine) Decide() (Decision, error) {
	src, err := e.source()
	if err != nil {
		return Decision{}, err
	}

	fp, err := fingerprint.Source(src)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Source: src, Current: fp}
	store := fingerprint.NewStore(e.cfg.StateFilePath())
	stored, ok := store.Load()
	if ok {
		d.Stored = stored
	}

	switch {
	case e.opts.Force:
		d.Reason = "forced"
	case !tree.Exists(e.cfg.ArchivePath()):
		d.Reason = "archive missing"
	case fingerprint.NeedsRebuild(fp, stored, ok):
		d.Reason = "source changed"
	}
	return d, nil
}

func (e *Engine) checkFingerprint(r *run) (bool, error) {
	d, err := e.Decide()
	if err != nil {
		return false, r.report.fail(StageFingerprint, err)
	}
	r.report.Fingerprint = d.Current

	e.logger.Info("fingerprint computed", "source", d.Source, "fingerprint", d.Current, "rebuild", d.Rebuild())
	if !d.Rebuild() {
		r.report.record(StageFingerprint, StatusNoOp, "unchanged")
		return false, nil
	}
	r.report.record(StageFingerprint, StatusSuccess, d.Reason)
	return true, nil
}

func (e *Engine) cleanup(r *run) error {
	n, err := archive.RemoveStale(filepath.Dir(e.cfg.ArchivePath()), e.cfg.Package.Name, e.cfg.ArchiveFileName())
	if err != nil {
		return r.report.fail(StageCleanup, err)
	}
	if n == 0 {
		r.report.record(StageCleanup, StatusNoOp, "no stale archives")
		return nil
	}
	e.logger.Info("removed stale archives", "count", n)
	r.report.record(StageCleanup, StatusSuccess, fmt.Sprintf("removed %d stale archive(s)", n))
	return nil
}

// prepare materializes the source into the work dir and applies the
// configured transformations
func (e *Engine) prepare(r *run) error {
	workDir := e.cfg.WorkDir()
	if err := os.RemoveAll(workDir); err != nil {
		return r.report.fail(StagePrepare, fmt.Errorf("failed to clear work dir: %w", err))
	}

	src, err := e.source()
	if err != nil {
		return r.report.fail(StagePrepare, err)
	}

	if info, statErr := os.Stat(src); statErr == nil && info.IsDir() {
		r.treeDir = filepath.Join(workDir, e.cfg.Package.RootName)
		n, err := tree.CopyTree(src, r.treeDir)
		if err != nil {
			return r.report.fail(StagePrepare, fmt.Errorf("failed to copy source tree: %w", err))
		}
		e.logger.Info("copied source tree", "files", n, "dest", r.treeDir)
	} else {
		r.treeDir, err = archive.Extract(src, workDir, e.cfg.Package.RootName)
		if err != nil {
			return r.report.fail(StagePrepare, err)
		}
		e.logger.Info("extracted release archive", "archive", src, "root", r.treeDir)
	}

	changed, err := boardcfg.Apply(r.treeDir, e.cfg.Transformation(), e.logger)
	if err != nil {
		return r.report.fail(StagePrepare, issue.New(StagePrepare, issue.Invalid, err))
	}
	r.report.record(StagePrepare, StatusSuccess, fmt.Sprintf("%d file(s) edited", len(changed)))
	return nil
}

func (e *Engine) buildArchive(r *run) error {
	n, err := archive.Build(r.treeDir, e.cfg.ArchivePath(), archive.Options{
		Layout:   e.cfg.Package.Layout,
		RootName: e.cfg.Package.RootName,
	})
	if err != nil {
		return r.report.fail(StageArchive, err)
	}
	e.logger.Info("archive built", "path", e.cfg.ArchivePath(), "entries", n, "layout", e.cfg.Package.Layout)
	r.report.Rebuilt = true
	r.report.record(StageArchive, StatusSuccess, fmt.Sprintf("%d entries", n))
	return nil
}

func (e *Engine) syncDescriptor(r *run) error {
	res, err := descriptor.Sync(e.cfg.DescriptorPath(), e.cfg.DescriptorTemplate(), e.cfg.ArchivePath(), descriptor.Release{
		Version:         e.cfg.Version,
		BaseURL:         e.cfg.Descriptor.BaseURL,
		ArchiveFileName: e.cfg.ArchiveFileName(),
	})
	if err != nil {
		return r.report.fail(StageDescriptor, err)
	}
	r.report.Checksum = res.Checksum

	// Only a completed build may advance the stored fingerprint
	if err := r.store.Save(r.report.Fingerprint); err != nil {
		return r.report.fail(StageDescriptor, fmt.Errorf("failed to save fingerprint: %w", err))
	}

	e.logger.Info("descriptor updated", "path", e.cfg.DescriptorPath(), "checksum", res.Checksum, "size", res.Size)
	r.report.record(StageDescriptor, StatusSuccess, res.Checksum)
	return nil
}

func (e *Engine) publish(ctx context.Context, r *run) error {
	res, err := r.workflow.Publish(ctx, r.treeDir)
	if err != nil {
		return r.report.fail(StagePublish, err)
	}
	r.report.Outcome = res.Outcome
	r.report.Commit = res.Commit

	if res.Outcome == publish.OutcomeNoOp {
		r.report.record(StagePublish, StatusNoOp, "nothing to commit")
		return nil
	}
	r.report.record(StagePublish, StatusSuccess, fmt.Sprintf("pushed %s", res.Commit))
	return nil
}
