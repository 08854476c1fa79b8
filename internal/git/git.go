package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Status is the meaning of a finished git invocation
type Status int

const (
	// Success means git exited zero
	Success Status = iota
	// NoOp means git refused because there was nothing to do
	NoOp
	// Failure is any other non-zero exit, or a command that could not run
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NoOp:
		return "noop"
	default:
		return "failure"
	}
}

// Result carries the outcome of one git invocation
type Result struct {
	Status Status
	// Output is git's combined stdout and stderr, verbatim
	Output string
	Err    error
}

// OK is true for Success and NoOp
func (r Result) OK() bool {
	return r.Status != Failure
}

// Client provides the git operations the publish workflow needs
type Client interface {
	// InProgress reports leftover rebase or merge state in the repository
	InProgress() (rebase, merge bool)
	AbortRebase(ctx context.Context) Result
	AbortMerge(ctx context.Context) Result
	// ConfigureTransport raises HTTP limits for large pushes
	ConfigureTransport(ctx context.Context) Result
	SetRemoteURL(ctx context.Context, remote, url string) Result
	Fetch(ctx context.Context, remote, branch string) Result
	PullRebase(ctx context.Context, remote, branch string) Result
	Add(ctx context.Context, paths ...string) Result
	StagedFiles(ctx context.Context) ([]string, error)
	Commit(ctx context.Context, message string) Result
	Push(ctx context.Context, remote, branch string, force bool) Result
	HeadCommit(ctx context.Context) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	dir            string
	url            string
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a git client for the working tree at dir. url is
// the remote URL and selects which credential is used.
func NewShellClient(dir, url, sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		dir:            dir,
		url:            url,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// InProgress checks for rebase and merge markers in the git directory
func (c *ShellClient) InProgress() (rebase, merge bool) {
	gitDir := filepath.Join(c.dir, ".git")
	for _, marker := range []string{"rebase-apply", "rebase-merge"} {
		if _, err := os.Stat(filepath.Join(gitDir, marker)); err == nil {
			rebase = true
		}
	}
	if _, err := os.Stat(filepath.Join(gitDir, "MERGE_HEAD")); err == nil {
		merge = true
	}
	return rebase, merge
}

// AbortRebase aborts an interrupted rebase
func (c *ShellClient) AbortRebase(ctx context.Context) Result {
	return c.run(ctx, false, []string{"no rebase in progress"}, "rebase", "--abort")
}

// AbortMerge aborts an interrupted merge
func (c *ShellClient) AbortMerge(ctx context.Context) Result {
	return c.run(ctx, false, []string{"there is no merge to abort"}, "merge", "--abort")
}

// ConfigureTransport sets a large HTTP post buffer and a generous
// low-speed timeout for pushing big trees
func (c *ShellClient) ConfigureTransport(ctx context.Context) Result {
	if r := c.run(ctx, false, nil, "config", "http.postBuffer", "524288000"); !r.OK() {
		return r
	}
	return c.run(ctx, false, nil, "config", "http.lowSpeedTime", "600")
}

// SetRemoteURL points remote at url; the URL never carries credentials
func (c *ShellClient) SetRemoteURL(ctx context.Context, remote, url string) Result {
	return c.run(ctx, false, nil, "remote", "set-url", remote, url)
}

// Fetch fetches a single branch from remote
func (c *ShellClient) Fetch(ctx context.Context, remote, branch string) Result {
	return c.run(ctx, true, []string{"couldn't find remote ref"}, "fetch", remote, branch)
}

// PullRebase rebases the current branch onto remote/branch
func (c *ShellClient) PullRebase(ctx context.Context, remote, branch string) Result {
	return c.run(ctx, true, []string{"couldn't find remote ref"}, "pull", "--rebase", remote, branch)
}

// Add force-stages paths, bypassing ignore rules
func (c *ShellClient) Add(ctx context.Context, paths ...string) Result {
	args := append([]string{"add", "-f", "--"}, paths...)
	return c.run(ctx, false, []string{"did not match any files"}, args...)
}

// StagedFiles lists paths in the index that differ from HEAD
func (c *ShellClient) StagedFiles(ctx context.Context) ([]string, error) {
	r := c.run(ctx, false, nil, "diff", "--cached", "--name-only")
	if r.Status != Success {
		return nil, fmt.Errorf("git diff --cached failed: %w: %s", r.Err, r.Output)
	}

	var files []string
	for _, line := range strings.Split(r.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Commit records the index with message
func (c *ShellClient) Commit(ctx context.Context, message string) Result {
	return c.run(ctx, false, []string{"nothing to commit", "nothing added to commit"}, "commit", "-m", message)
}

// Push pushes branch to remote, overwriting remote history when force is set
func (c *ShellClient) Push(ctx context.Context, remote, branch string, force bool) Result {
	args := []string{"push", "-u", remote, branch}
	if force {
		args = append(args, "--force")
	}
	return c.run(ctx, true, nil, args...)
}

// HeadCommit returns the commit hash of HEAD
func (c *ShellClient) HeadCommit(ctx context.Context) (string, error) {
	r := c.run(ctx, false, nil, "rev-parse", "HEAD")
	if r.Status != Success {
		return "", fmt.Errorf("git rev-parse failed: %w: %s", r.Err, r.Output)
	}
	return strings.TrimSpace(r.Output), nil
}

// run executes git in the working tree. A non-zero exit whose output
// contains one of noOpMarkers is reported as NoOp.
func (c *ShellClient) run(ctx context.Context, remote bool, noOpMarkers []string, args ...string) Result {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", c.dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if remote {
		if err := c.configureAuth(cmd, c.url); err != nil {
			return Result{Status: Failure, Err: err}
		}
	}

	output, err := cmd.CombinedOutput()
	out := string(output)
	if err == nil {
		return Result{Status: Success, Output: out}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Status: Failure, Output: out, Err: fmt.Errorf("git %s: %w", args[0], ctxErr)}
	}

	lower := strings.ToLower(out)
	for _, m := range noOpMarkers {
		if strings.Contains(lower, m) {
			return Result{Status: NoOp, Output: out, Err: err}
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = fmt.Errorf("git %s exited with code %d", args[0], exitErr.ExitCode())
	}
	return Result{Status: Failure, Output: out, Err: err}
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))
		if tokenStr == "" {
			return fmt.Errorf("HTTPS token file %s is empty", c.httpsTokenFile)
		}

		// The token lives only in this process's environment; the helper
		// reads it back so it is never written to git config or the URL.
		cmd.Env = append(cmd.Env, "BOARDPACK_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", "credential.helper=",
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$BOARDPACK_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "fetch", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
