// Package testutil provides git repository fixtures for leasekeeper tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// SetupTestRepo creates a temporary git repository on branch main with one
// commit. Tests are skipped when git is not installed.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()

	if err := RunGit(dir, "init"); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	if err := RunGit(dir, "config", "user.email", "test@leasekeeper.dev"); err != nil {
		t.Fatalf("failed to configure git email: %v", err)
	}
	if err := RunGit(dir, "config", "user.name", "Leasekeeper Test"); err != nil {
		t.Fatalf("failed to configure git name: %v", err)
	}

	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# Test Repository\n"), 0o644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	if err := RunGit(dir, "add", "."); err != nil {
		t.Fatalf("failed to stage files: %v", err)
	}
	if err := RunGit(dir, "commit", "-m", "Initial commit"); err != nil {
		t.Fatalf("failed to create initial commit: %v", err)
	}
	// Some systems default to master.
	if err := RunGit(dir, "branch", "-M", "main"); err != nil {
		t.Fatalf("failed to rename branch to main: %v", err)
	}

	return dir
}

// SetupTestRepoWithRemote creates a repository whose main branch tracks a
// bare "origin" remote.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	repoDir = SetupTestRepo(t)
	remoteDir = t.TempDir()
	if err := RunGit(remoteDir, "init", "--bare"); err != nil {
		t.Fatalf("failed to init bare repo: %v", err)
	}
	if err := RunGit(repoDir, "remote", "add", "origin", remoteDir); err != nil {
		t.Fatalf("failed to add remote: %v", err)
	}
	if err := RunGit(repoDir, "push", "-u", "origin", "main"); err != nil {
		t.Fatalf("failed to push to remote: %v", err)
	}
	return repoDir, remoteDir
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	WriteFile(t, repoDir, path, content)
	if err := RunGit(repoDir, "add", path); err != nil {
		t.Fatalf("failed to stage file %s: %v", path, err)
	}
	if err := RunGit(repoDir, "commit", "-m", message); err != nil {
		t.Fatalf("failed to commit file %s: %v", path, err)
	}
}

// WriteFile writes a file into the working tree without staging it.
func WriteFile(t *testing.T, repoDir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// CheckoutNewBranch creates and switches to branch.
func CheckoutNewBranch(t *testing.T, repoDir, branch string) {
	t.Helper()

	if err := RunGit(repoDir, "checkout", "-b", branch); err != nil {
		t.Fatalf("failed to checkout branch %s: %v", branch, err)
	}
}

// RunGit runs a git command in dir.
func RunGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}
