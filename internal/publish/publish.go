// Package publish mirrors a transformed board tree and its descriptor into a
// git working tree and pushes the result to one remote branch.
//
// A Workflow is single-use. It moves CLEAN → SYNCING → STAGING → COMMITTED →
// PUSHED; an empty staged diff ends the run in STAGING with a noop outcome,
// and any error moves it to FAILED. Callers retry by creating a new Workflow.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/schaermu/boardpack/internal/git"
	"github.com/schaermu/boardpack/internal/issue"
	"github.com/schaermu/boardpack/internal/tree"
)

// State is a step of the publish state machine
type State string

const (
	StateClean     State = "CLEAN"
	StateSyncing   State = "SYNCING"
	StateStaging   State = "STAGING"
	StateCommitted State = "COMMITTED"
	StatePushed    State = "PUSHED"
	StateFailed    State = "FAILED"
)

// Outcome is the terminal result of a successful Publish
type Outcome string

const (
	OutcomePushed Outcome = "pushed"
	OutcomeNoOp   Outcome = "noop"
)

const stage = "publish"

// ManifestFile lists the top-level names of the last publish. It lives in
// the working tree root and is committed with every release.
const ManifestFile = ".boardpack-manifest"

// Options configures a Workflow
type Options struct {
	// Dir is the root of the git working tree
	Dir           string
	Remote        string
	RemoteURL     string
	Branch        string
	PushTimeout   time.Duration
	CommitMessage string
	Version       string
	// DescriptorPath is staged alongside the tree when it lies inside Dir
	DescriptorPath string
	Policy         Policy
}

// Result describes a finished Publish
type Result struct {
	Outcome Outcome
	Staged  []string
	Commit  string
}

// Workflow drives one publish run
type Workflow struct {
	opts   Options
	git    git.Client
	logger *slog.Logger
	state  State
}

// New creates a workflow in the CLEAN state
func New(opts Options, client git.Client, logger *slog.Logger) *Workflow {
	return &Workflow{
		opts:   opts,
		git:    client,
		logger: logger,
		state:  StateClean,
	}
}

// State returns the current state
func (w *Workflow) State() State {
	return w.state
}

// CommitMessage returns the message a commit of this release carries
func (w *Workflow) CommitMessage() string {
	return fmt.Sprintf("%s v%s", w.opts.CommitMessage, w.opts.Version)
}

// Sync brings the local branch up to date with the remote
func (w *Workflow) Sync(ctx context.Context) error {
	if w.state != StateClean {
		return w.fail(issue.New(stage, issue.Invalid, fmt.Errorf("cannot sync from state %s", w.state)))
	}
	w.transition(StateSyncing)

	rebase, merge := w.git.InProgress()
	if rebase {
		r := w.git.AbortRebase(ctx)
		w.logger.Warn("aborted interrupted rebase", "status", r.Status, "output", strings.TrimSpace(r.Output))
	}
	if merge {
		r := w.git.AbortMerge(ctx)
		w.logger.Warn("aborted interrupted merge", "status", r.Status, "output", strings.TrimSpace(r.Output))
	}

	if w.opts.RemoteURL != "" {
		if r := w.git.SetRemoteURL(ctx, w.opts.Remote, w.opts.RemoteURL); !r.OK() {
			return w.failResult(r, issue.Classify(r.Output, r.Err))
		}
	}
	if r := w.git.ConfigureTransport(ctx); !r.OK() {
		return w.failResult(r, issue.Classify(r.Output, r.Err))
	}

	w.logger.Info("fetching remote branch", "remote", w.opts.Remote, "branch", w.opts.Branch)
	if r := w.git.Fetch(ctx, w.opts.Remote, w.opts.Branch); !r.OK() {
		return w.failResult(r, issue.Classify(r.Output, r.Err))
	} else if r.Status == git.NoOp {
		w.logger.Info("remote branch does not exist yet", "branch", w.opts.Branch)
		return nil
	}

	if r := w.git.PullRebase(ctx, w.opts.Remote, w.opts.Branch); !r.OK() {
		kind := issue.Classify(r.Output, r.Err)
		if kind == issue.Unknown {
			kind = issue.HistoryConflict
		}
		return w.failResult(r, kind)
	}

	return nil
}

// Publish mirrors treeDir into the working tree, commits and pushes. It runs
// Sync first when the workflow is still CLEAN.
func (w *Workflow) Publish(ctx context.Context, treeDir string) (Result, error) {
	if w.state == StateClean {
		if err := w.Sync(ctx); err != nil {
			return Result{}, err
		}
	}
	if w.state != StateSyncing {
		return Result{}, w.fail(issue.New(stage, issue.Invalid, fmt.Errorf("cannot publish from state %s", w.state)))
	}

	w.transition(StateStaging)
	paths, err := w.mirror(treeDir)
	if err != nil {
		var ie *issue.Error
		if !errors.As(err, &ie) {
			ie = issue.New(stage, issue.Unknown, err)
		}
		return Result{}, w.fail(ie)
	}
	if rel, ok := w.descriptorPath(); ok {
		paths = append(paths, rel)
	}

	for _, p := range paths {
		r := w.git.Add(ctx, p)
		if !r.OK() {
			return Result{}, w.failResult(r, issue.Classify(r.Output, r.Err))
		}
		if r.Status == git.NoOp {
			w.logger.Debug("nothing to stage", "path", p)
		}
	}

	staged, err := w.git.StagedFiles(ctx)
	if err != nil {
		return Result{}, w.fail(issue.New(stage, issue.Unknown, err))
	}
	if len(staged) == 0 {
		w.logger.Info("no changes to publish")
		return Result{Outcome: OutcomeNoOp}, nil
	}
	w.logger.Info("staged changes", "count", len(staged))

	if r := w.git.Commit(ctx, w.CommitMessage()); r.Status != git.Success {
		return Result{}, w.failResult(r, issue.Classify(r.Output, r.Err))
	}
	w.transition(StateCommitted)

	commit, err := w.git.HeadCommit(ctx)
	if err != nil {
		return Result{}, w.fail(issue.New(stage, issue.Unknown, err))
	}

	pushCtx := ctx
	if w.opts.PushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, w.opts.PushTimeout)
		defer cancel()
	}

	w.logger.Info("pushing", "remote", w.opts.Remote, "branch", w.opts.Branch, "force", w.opts.Policy.Force, "commit", commit)
	if r := w.git.Push(pushCtx, w.opts.Remote, w.opts.Branch, w.opts.Policy.Force); r.Status != git.Success {
		return Result{}, w.failResult(r, issue.Classify(r.Output, r.Err))
	}
	w.transition(StatePushed)

	return Result{Outcome: OutcomePushed, Staged: staged, Commit: commit}, nil
}

// mirror copies the allowed contents of treeDir into the working tree and
// returns the top-level names to stage. Directories are replaced wholesale
// so files removed from the tree disappear from the working tree too.
// Top-level names listed in the previous manifest but gone from the tree
// are deleted and returned as well, so their removal gets staged.
func (w *Workflow) mirror(treeDir string) ([]string, error) {
	entries, err := os.ReadDir(treeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, issue.NotFoundf(stage, "publish tree not found: %s", treeDir)
		}
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if !w.opts.Policy.Allowed(name, entry.IsDir()) {
			w.logger.Debug("excluded from publish", "name", name)
			continue
		}

		src := filepath.Join(treeDir, name)
		dst := filepath.Join(w.opts.Dir, name)

		if entry.IsDir() {
			if err := os.RemoveAll(dst); err != nil {
				return nil, fmt.Errorf("failed to clear %s: %w", name, err)
			}
			if err := w.copyDir(src, dst); err != nil {
				return nil, err
			}
		} else if entry.Type().IsRegular() {
			if err := tree.CopyFile(src, dst); err != nil {
				return nil, fmt.Errorf("failed to copy %s: %w", name, err)
			}
		} else {
			continue
		}
		paths = append(paths, name)
	}

	removed, err := w.removeVanished(paths)
	if err != nil {
		return nil, err
	}

	if err := w.writeManifest(paths); err != nil {
		return nil, err
	}

	w.logger.Info("mirrored tree into publish root", "entries", len(paths), "removed", len(removed), "dir", w.opts.Dir)
	return append(append(paths, removed...), ManifestFile), nil
}

// removeVanished deletes the previously published names missing from current
func (w *Workflow) removeVanished(current []string) ([]string, error) {
	previous, err := w.readManifest()
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(current))
	for _, name := range current {
		keep[name] = true
	}
	if rel, ok := w.descriptorPath(); ok {
		top, _, _ := strings.Cut(rel, "/")
		keep[top] = true
	}

	var removed []string
	for _, name := range previous {
		if keep[name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.opts.Dir, name)); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", name, err)
		}
		w.logger.Info("removed from publish root", "name", name)
		removed = append(removed, name)
	}
	return removed, nil
}

// readManifest returns the names of the previous publish. Lines that are
// not plain top-level names are ignored.
func (w *Workflow) readManifest() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(w.opts.Dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read publish manifest: %w", err)
	}

	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == ".." || tree.IsHidden(name) || strings.ContainsAny(name, `/\`) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (w *Workflow) writeManifest(names []string) error {
	sorted := slices.Clone(names)
	slices.Sort(sorted)

	var b strings.Builder
	for _, name := range sorted {
		b.WriteString(name)
		b.WriteString("\n")
	}
	if err := tree.WriteFile(filepath.Join(w.opts.Dir, ManifestFile), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write publish manifest: %w", err)
	}
	return nil
}

func (w *Workflow) copyDir(src, dst string) error {
	return tree.Walk(src, func(e tree.Entry) error {
		if !w.opts.Policy.AllowedPath(e.Rel) {
			return nil
		}
		if err := tree.CopyFile(e.Path, filepath.Join(dst, filepath.FromSlash(e.Rel))); err != nil {
			return fmt.Errorf("failed to copy %s: %w", e.Rel, err)
		}
		return nil
	})
}

// descriptorPath returns the descriptor relative to the working tree
func (w *Workflow) descriptorPath() (string, bool) {
	if w.opts.DescriptorPath == "" {
		return "", false
	}
	rel, err := filepath.Rel(w.opts.Dir, w.opts.DescriptorPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		w.logger.Warn("descriptor is outside the publish root and will not be staged", "path", w.opts.DescriptorPath)
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Workflow) transition(to State) {
	w.logger.Debug("publish state", "from", w.state, "to", to)
	w.state = to
}

func (w *Workflow) fail(err *issue.Error) error {
	w.logger.Error("publish failed", "state", w.state, "kind", err.Kind, "error", err.Err)
	w.state = StateFailed
	return err
}

func (w *Workflow) failResult(r git.Result, kind issue.Kind) error {
	return w.fail(&issue.Error{Stage: stage, Kind: kind, Err: r.Err, Output: r.Output})
}
