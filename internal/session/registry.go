// Package session maps running processes to logical agent sessions.
//
// Each session owns one small JSON descriptor file in a registry directory.
// A process that lost its in-memory context, for example after compaction,
// finds its session again by matching its parent pid, which survives the
// reset, against the descriptors. The registry never invents an identity:
// no match is reported as errors.ErrIdentityUnresolved.
package session

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
	"github.com/Iron-Ham/leasekeeper/internal/util"
)

const descriptorExt = ".json"

// Descriptor is the on-disk record of one session.
type Descriptor struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Hostname  string    `json:"hostname,omitempty"`
	Label     string    `json:"label,omitempty"`
}

var idPattern = regexp.MustCompile(`^[-_.a-zA-Z0-9]+$`)

// ValidateID checks that id can be used as a descriptor file name.
func ValidateID(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || !idPattern.MatchString(id) {
		return errors.NewValidationError("invalid session id").
			WithField("session_id").
			WithValue(id)
	}
	return nil
}

// Registry reads and writes session descriptors in a directory.
type Registry struct {
	dir       string
	parentPID func() int
	alive     func(pid int) bool
	now       func() time.Time
	hostname  string
	logger    *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithParentPID replaces os.Getppid.
func WithParentPID(fn func() int) Option {
	return func(r *Registry) {
		if fn != nil {
			r.parentPID = fn
		}
	}
}

// WithAliveCheck replaces the signal-0 liveness check used by Prune.
func WithAliveCheck(fn func(pid int) bool) Option {
	return func(r *Registry) {
		if fn != nil {
			r.alive = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHostname overrides os.Hostname for new descriptors.
func WithHostname(name string) Option {
	return func(r *Registry) {
		r.hostname = name
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a Registry over dir. The directory is created on the
// first Register.
func NewRegistry(dir string, opts ...Option) *Registry {
	r := &Registry{
		dir:       dir,
		parentPID: os.Getppid,
		alive:     util.ProcessAlive,
		now:       time.Now,
		logger:    logging.NopLogger(),
	}
	if host, err := os.Hostname(); err == nil {
		r.hostname = host
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("session")
	return r
}

// Dir returns the descriptor directory.
func (r *Registry) Dir() string {
	return r.dir
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+descriptorExt)
}

// ResolveCurrentSessionID returns the id of the session whose pid equals the
// current process's parent pid. When several descriptors match, the most
// recently started wins.
func (r *Registry) ResolveCurrentSessionID() (string, error) {
	ppid := r.parentPID()
	all, err := r.List()
	if err != nil {
		return "", err
	}

	var best *Descriptor
	for i := range all {
		d := &all[i]
		if d.PID != ppid {
			continue
		}
		if best == nil || d.StartedAt.After(best.StartedAt) {
			best = d
		}
	}
	if best == nil {
		r.logger.Debug("no session descriptor matches parent pid", "ppid", ppid)
		return "", errors.NewSessionError("no descriptor matches parent process", errors.ErrIdentityUnresolved).
			WithPID(ppid)
	}
	return best.SessionID, nil
}

// Register writes d to the registry and returns the stored descriptor. An
// empty SessionID gets a random UUID and a zero PID defaults to the parent pid.
func (r *Registry) Register(d Descriptor) (*Descriptor, error) {
	if d.SessionID == "" {
		d.SessionID = uuid.NewString()
	}
	if err := ValidateID(d.SessionID); err != nil {
		return nil, err
	}
	if d.PID == 0 {
		d.PID = r.parentPID()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = r.now().UTC()
	}
	if d.Hostname == "" {
		d.Hostname = r.hostname
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, errors.NewSessionError("failed to encode descriptor", err).WithSessionID(d.SessionID)
	}
	if err := util.AtomicWriteFile(r.path(d.SessionID), data, 0o644); err != nil {
		return nil, errors.NewSessionError("failed to write descriptor", err).WithSessionID(d.SessionID)
	}

	r.logger.WithSession(d.SessionID).Info("session registered", "pid", d.PID, "label", d.Label)
	return &d, nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (*Descriptor, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	d, err := readDescriptor(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewNotFoundError("session", id).WithCause(errors.ErrSessionNotFound)
	}
	if err != nil {
		return nil, errors.NewSessionError("failed to read descriptor", err).WithSessionID(id)
	}
	return d, nil
}

// List returns every readable descriptor ordered by start time. Unreadable
// files are skipped.
func (r *Registry) List() ([]Descriptor, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewSessionError("failed to read session directory", err)
	}

	var out []Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), descriptorExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		d, err := readDescriptor(filepath.Join(r.dir, e.Name()))
		if err != nil {
			r.logger.Debug("skipping unreadable descriptor", "file", e.Name(), "error", err.Error())
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Prune removes descriptors whose process is gone and returns them.
func (r *Registry) Prune() ([]Descriptor, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var pruned []Descriptor
	for _, d := range all {
		if r.alive(d.PID) {
			continue
		}
		if err := r.Remove(d.SessionID); err != nil {
			return pruned, err
		}
		pruned = append(pruned, d)
	}
	if len(pruned) > 0 {
		r.logger.Info("pruned dead sessions", "count", len(pruned))
	}
	return pruned, nil
}

// Remove deletes the descriptor for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(r.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.NewSessionError("failed to remove descriptor", err).WithSessionID(id)
	}
	return nil
}

func readDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.SessionID == "" {
		return nil, errors.New("descriptor has no session_id")
	}
	return &d, nil
}
