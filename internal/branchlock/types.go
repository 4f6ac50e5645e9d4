package branchlock

import (
	"time"

	"github.com/Iron-Ham/leasekeeper/internal/gitstate"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
)

// DefaultStaleAfter is the lock file age after which a branch lock may be
// taken over. Branch sessions run longer than work-item sessions, so this is
// well above the work-item threshold.
const DefaultStaleAfter = 30 * time.Minute

// LockInfo is the JSON document stored in a branch lock file.
type LockInfo struct {
	Timestamp  time.Time `json:"timestamp"`
	Branch     string    `json:"branch"`
	OwnerLabel string    `json:"owner_label"`
	PID        int       `json:"pid"`
}

// Result describes a successful acquisition.
type Result struct {
	Branch   string   `json:"branch"`
	LockPath string   `json:"lock_path"`
	Info     LockInfo `json:"info"`
	// Replaced is the previous lock when a stale or forced takeover happened.
	Replaced *CheckResult `json:"replaced,omitempty"`
}

// CheckResult is a read-only view of one lock file.
type CheckResult struct {
	Branch   string        `json:"branch"`
	LockPath string        `json:"lock_path"`
	Locked   bool          `json:"locked"`
	Stale    bool          `json:"stale"`
	Owner    string        `json:"owner,omitempty"`
	PID      int           `json:"pid,omitempty"`
	Age      time.Duration `json:"age_ns,omitempty"`
	AgeHuman string        `json:"age,omitempty"`
	// Corrupt is set when the file exists but does not hold valid JSON.
	Corrupt bool `json:"corrupt,omitempty"`
}

// Active reports whether the lock blocks other acquirers.
func (c *CheckResult) Active() bool {
	return c != nil && c.Locked && !c.Stale
}

// StatusReport combines lock state with repository signals.
type StatusReport struct {
	Lock *CheckResult       `json:"lock"`
	Repo *gitstate.Snapshot `json:"repo,omitempty"`
	// RepoError is set when the repository could not be inspected.
	RepoError string `json:"repo_error,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the audit logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPID sets the pid recorded in lock files. Defaults to os.Getpid.
func WithPID(pid int) Option {
	return func(m *Manager) {
		m.pid = pid
	}
}

// WithGitReader sets the reader Status uses for repository signals.
func WithGitReader(r *gitstate.Reader) Option {
	return func(m *Manager) {
		m.git = r
	}
}
