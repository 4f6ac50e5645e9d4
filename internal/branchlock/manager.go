// Package branchlock provides mutual exclusion for git branches using one
// lock file per branch in a checkout-local directory.
//
// Lock age comes from the file's modification time, so no heartbeat writer
// is needed. A lock is only as fresh as its last acquisition.
package branchlock

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/gitstate"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
)

const lockExt = ".lock"

// Manager acquires and releases branch lock files in a directory.
type Manager struct {
	dir        string
	staleAfter time.Duration
	now        func() time.Time
	logger     *logging.Logger
	pid        int
	git        *gitstate.Reader
}

// NewManager creates a Manager storing lock files in dir.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:        dir,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logging.NopLogger(),
		pid:        os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("branchlock")
	return m
}

// Dir returns the lock directory.
func (m *Manager) Dir() string {
	return m.dir
}

// StaleAfter returns the staleness threshold in use.
func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

// SanitizeBranch turns a branch name into a safe file name. Path separators
// become '-', any other character outside [A-Za-z0-9._-] becomes '_', and
// leading dots are dropped so the name can never escape the lock directory.
func SanitizeBranch(branch string) string {
	var b strings.Builder
	for _, r := range branch {
		switch {
		case r == '/' || r == '\\':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// LockPath returns the lock file path for branch.
func (m *Manager) LockPath(branch string) (string, error) {
	name := SanitizeBranch(strings.TrimSpace(branch))
	if name == "" {
		return "", errors.NewValidationError("branch name is required").
			WithField("branch").
			WithValue(branch)
	}
	return filepath.Join(m.dir, name+lockExt), nil
}

// Acquire takes the lock on branch for ownerLabel. A missing or stale lock
// file is replaced. A fresh one fails with ErrBranchLocked carrying the owner
// label and the lock age.
func (m *Manager) Acquire(branch, ownerLabel string) (*Result, error) {
	path, err := m.LockPath(branch)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, errors.NewBranchLockError("failed to create lock directory", err).
			WithBranch(branch).
			WithLockPath(path)
	}
	log := m.logger.WithBranch(branch)

	var replaced *CheckResult
	// Two attempts: the second follows removal of a stale or vanished lock.
	for attempt := 0; attempt < 2; attempt++ {
		info, err := m.create(path, branch, ownerLabel)
		if err == nil {
			if replaced != nil {
				log.Info("stale branch lock replaced",
					"owner", ownerLabel,
					"previous_owner", replaced.Owner,
					"previous_age", replaced.Age.String())
			} else {
				log.Info("branch lock acquired", "owner", ownerLabel)
			}
			return &Result{Branch: branch, LockPath: path, Info: info, Replaced: replaced}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, errors.NewBranchLockError("failed to write lock file", err).
				WithBranch(branch).
				WithLockPath(path)
		}

		existing, stat, err := m.inspect(branch, path)
		if err != nil {
			return nil, err
		}
		if !existing.Locked {
			continue
		}
		if !existing.Stale {
			log.Info("branch lock rejected", "owner", existing.Owner, "age", existing.Age.String())
			return nil, errors.NewBranchLockError("branch is locked", errors.ErrBranchLocked).
				WithBranch(branch).
				WithLockPath(path).
				WithOwner(existing.Owner, existing.PID).
				WithAge(existing.Age)
		}
		if err := removeIfUnchanged(path, stat); err != nil {
			return nil, errors.NewBranchLockError("failed to remove stale lock", err).
				WithBranch(branch).
				WithLockPath(path)
		}
		replaced = existing
	}

	return nil, errors.NewBranchLockError("lock changed while acquiring", errors.ErrBranchLocked).
		WithBranch(branch).
		WithLockPath(path)
}

// create writes a new lock file, failing with fs.ErrExist if one is present.
func (m *Manager) create(path, branch, ownerLabel string) (LockInfo, error) {
	now := m.now()
	info := LockInfo{Timestamp: now.UTC(), Branch: branch, OwnerLabel: ownerLabel, PID: m.pid}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return LockInfo{}, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return LockInfo{}, err
	}
	_, werr := f.Write(append(data, '\n'))
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		// Age is read back from mtime, so pin it to our clock.
		werr = os.Chtimes(path, now, now)
	}
	if werr != nil {
		_ = os.Remove(path)
		return LockInfo{}, werr
	}
	return info, nil
}

// removeIfUnchanged deletes path only if it still has the modification time
// seen in prev. A lock re-acquired in the meantime is left alone; the window
// between this stat and the remove is not closed.
func removeIfUnchanged(path string, prev fs.FileInfo) error {
	cur, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !cur.ModTime().Equal(prev.ModTime()) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Release removes the lock on branch. Releasing an unlocked branch is a no-op.
func (m *Manager) Release(branch string) error {
	path, err := m.LockPath(branch)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.NewBranchLockError("failed to remove lock file", err).
			WithBranch(branch).
			WithLockPath(path)
	}
	m.logger.WithBranch(branch).Info("branch lock released")
	return nil
}

// Check reports the lock state of branch without modifying anything.
func (m *Manager) Check(branch string) (*CheckResult, error) {
	path, err := m.LockPath(branch)
	if err != nil {
		return nil, err
	}
	res, _, err := m.inspect(branch, path)
	return res, err
}

// inspect reads the lock file at path. The returned FileInfo is nil when
// there is no lock.
func (m *Manager) inspect(branch, path string) (*CheckResult, fs.FileInfo, error) {
	res := &CheckResult{Branch: branch, LockPath: path}
	stat, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil, nil
	}
	if err != nil {
		return nil, nil, errors.NewBranchLockError("failed to stat lock file", err).
			WithBranch(branch).
			WithLockPath(path)
	}

	res.Locked = true
	res.Age = m.now().Sub(stat.ModTime())
	if res.Age < 0 {
		res.Age = 0
	}
	res.AgeHuman = lease.FormatAge(res.Age)
	res.Stale = lease.IsStale(stat.ModTime(), m.staleAfter, m.now())

	info, err := readLockInfo(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Removed between stat and read.
		return &CheckResult{Branch: branch, LockPath: path}, nil, nil
	case err != nil:
		res.Corrupt = true
	default:
		res.Owner = info.OwnerLabel
		res.PID = info.PID
		if res.Branch == "" {
			res.Branch = info.Branch
		}
	}
	return res, stat, nil
}

func readLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrLockCorrupted, err)
	}
	return &info, nil
}

// ForceAcquire removes any existing lock on branch and acquires it for
// ownerLabel. It is meant for explicit operator action only.
func (m *Manager) ForceAcquire(branch, ownerLabel string) (*Result, error) {
	path, err := m.LockPath(branch)
	if err != nil {
		return nil, err
	}
	existing, _, err := m.inspect(branch, path)
	if err != nil {
		return nil, err
	}
	if existing.Locked {
		m.logger.WithBranch(branch).Warn("branch lock override",
			"owner", ownerLabel,
			"previous_owner", existing.Owner,
			"previous_pid", existing.PID,
			"previous_age", existing.Age.String())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewBranchLockError("failed to remove lock file", err).
				WithBranch(branch).
				WithLockPath(path)
		}
	}

	res, err := m.Acquire(branch, ownerLabel)
	if err != nil {
		return nil, err
	}
	if existing.Locked {
		res.Replaced = existing
	}
	return res, nil
}

// Status reports the lock on branch together with repository signals. The
// repository part is informational; failing to read it is not an error.
func (m *Manager) Status(branch string) (*StatusReport, error) {
	lock, err := m.Check(branch)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Lock: lock}
	if m.git == nil {
		return report, nil
	}
	snap, err := m.git.Snapshot()
	if err != nil {
		report.RepoError = err.Error()
		return report, nil
	}
	report.Repo = snap
	return report, nil
}

// List returns every lock file in the directory ordered by path.
func (m *Manager) List() ([]CheckResult, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewBranchLockError("failed to read lock directory", err).
			WithLockPath(m.dir)
	}

	var out []CheckResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockExt) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		res, _, err := m.inspect("", path)
		if err != nil {
			return nil, err
		}
		if !res.Locked {
			continue
		}
		if res.Branch == "" {
			res.Branch = strings.TrimSuffix(e.Name(), lockExt)
		}
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockPath < out[j].LockPath })
	return out, nil
}
