// Package gitstate answers the read-only git questions branch locking needs:
// which repository and branch the caller is on, and how far the working copy
// has drifted from its upstream.
package gitstate

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/Iron-Ham/leasekeeper/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Reader runs git queries in a working directory.
type Reader struct {
	dir      string
	executor CommandExecutor
}

// NewReader creates a Reader for dir using the git CLI.
func NewReader(dir string) *Reader {
	return NewReaderWithExecutor(dir, CLICommandExecutor{})
}

// NewReaderWithExecutor creates a Reader with a custom executor.
// This is primarily useful for testing.
func NewReaderWithExecutor(dir string, executor CommandExecutor) *Reader {
	return &Reader{dir: dir, executor: executor}
}

// Dir returns the directory queries run in.
func (r *Reader) Dir() string {
	return r.dir
}

func (r *Reader) git(args ...string) (string, error) {
	out, err := r.executor.Run(r.dir, "git", args...)
	return strings.TrimSpace(string(out)), err
}

// RepoRoot returns the top-level directory of the repository.
func (r *Reader) RepoRoot() (string, error) {
	out, err := r.git("rev-parse", "--show-toplevel")
	if err != nil {
		cause := err
		if strings.Contains(out, "not a git repository") {
			cause = errors.ErrNotGitRepository
		}
		return "", errors.NewGitError("failed to find repository root", cause).
			WithRepository(r.dir).
			WithGitOutput(out)
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name.
// Returns ErrDetachedHead when HEAD does not point at a branch.
func (r *Reader) CurrentBranch() (string, error) {
	out, err := r.git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to get branch", err).
			WithRepository(r.dir).
			WithGitOutput(out)
	}
	if out == "HEAD" {
		return "", errors.NewGitError("cannot infer branch", errors.ErrDetachedHead).
			WithRepository(r.dir)
	}
	return out, nil
}

// UncommittedCount returns the number of changed or untracked paths.
func (r *Reader) UncommittedCount() (int, error) {
	out, err := r.git("status", "--porcelain")
	if err != nil {
		return 0, errors.NewGitError("failed to check git status", err).
			WithRepository(r.dir).
			WithGitOutput(out)
	}
	if out == "" {
		return 0, nil
	}
	return len(strings.Split(out, "\n")), nil
}

// Divergence is how far HEAD is from its upstream.
type Divergence struct {
	HasUpstream bool
	Ahead       int
	Behind      int
}

// AheadBehind compares HEAD with its configured upstream. A branch without
// an upstream, or a detached HEAD, is not an error; HasUpstream is false.
func (r *Reader) AheadBehind() (Divergence, error) {
	out, err := r.git("rev-list", "--left-right", "--count", "@{upstream}...HEAD")
	if err != nil {
		if strings.Contains(out, "no upstream") || strings.Contains(out, "unknown revision") ||
			strings.Contains(out, "does not point to a branch") {
			return Divergence{}, nil
		}
		return Divergence{}, errors.NewGitError("failed to compare with upstream", err).
			WithRepository(r.dir).
			WithGitOutput(out)
	}

	fields := strings.Fields(out)
	if len(fields) != 2 {
		return Divergence{}, errors.NewGitError("unexpected rev-list output", nil).
			WithRepository(r.dir).
			WithGitOutput(out)
	}
	behind, err1 := strconv.Atoi(fields[0])
	ahead, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return Divergence{}, errors.NewGitError("failed to parse ahead/behind count", errors.Join(err1, err2)).
			WithRepository(r.dir)
	}
	return Divergence{HasUpstream: true, Ahead: ahead, Behind: behind}, nil
}

// Snapshot is the repository state reported next to a branch lock.
type Snapshot struct {
	// Branch is empty when Detached is set.
	Branch      string
	Detached    bool
	Uncommitted int
	Divergence
}

// Snapshot collects the current branch, uncommitted count and divergence.
// A detached HEAD is recorded on the snapshot rather than returned as an
// error.
func (r *Reader) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{}
	branch, err := r.CurrentBranch()
	switch {
	case errors.Is(err, errors.ErrDetachedHead):
		snap.Detached = true
	case err != nil:
		return nil, err
	default:
		snap.Branch = branch
	}

	if snap.Uncommitted, err = r.UncommittedCount(); err != nil {
		return nil, err
	}
	if snap.Divergence, err = r.AheadBehind(); err != nil {
		return nil, err
	}
	return snap, nil
}
