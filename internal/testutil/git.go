// Package testutil holds git fixtures shared by tests that publish to a
// real repository.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// Git runs git with args and fails the test on error.
func Git(t *testing.T, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

// BareRemote creates a bare repository whose branch holds a single
// README.md commit, and returns its path.
func BareRemote(t *testing.T, branch string) string {
	t.Helper()
	seed := t.TempDir()
	Git(t, "init", "-b", branch, seed)
	ConfigureIdentity(t, seed)
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("boards\n"), 0644); err != nil {
		t.Fatal(err)
	}
	Git(t, "-C", seed, "add", "README.md")
	Git(t, "-C", seed, "commit", "-m", "Initial commit")

	remote := filepath.Join(t.TempDir(), "remote.git")
	Git(t, "clone", "--bare", seed, remote)
	return remote
}

// Clone checks out branch of remote into a new directory that can commit.
func Clone(t *testing.T, remote, branch string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "work")
	Git(t, "clone", "-b", branch, remote, dir)
	ConfigureIdentity(t, dir)
	return dir
}

// ConfigureIdentity sets a local committer so tests don't depend on the
// user's global git config.
func ConfigureIdentity(t *testing.T, dir string) {
	t.Helper()
	Git(t, "-C", dir, "config", "user.email", "test@test.com")
	Git(t, "-C", dir, "config", "user.name", "Test")
}
