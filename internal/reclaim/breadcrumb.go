package reclaim

import (
	"encoding/json"
	"io/fs"
	"os"
	"time"

	"github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
	"github.com/Iron-Ham/leasekeeper/internal/util"
)

// BreadcrumbTTL is how long a breadcrumb stays usable. It is fixed.
const BreadcrumbTTL = 30 * time.Minute

// Breadcrumb records which work-item a session held before its context was
// reset.
type Breadcrumb struct {
	ResourceKey       string    `json:"resource_key"`
	PreviousSessionID string    `json:"previous_session_id"`
	WrittenAt         time.Time `json:"written_at"`
}

// Expired reports whether the breadcrumb is at least BreadcrumbTTL old.
func (b *Breadcrumb) Expired(now time.Time) bool {
	return lease.IsStale(b.WrittenAt, BreadcrumbTTL, now)
}

// BreadcrumbFile stores a single breadcrumb as JSON.
type BreadcrumbFile struct {
	path   string
	now    func() time.Time
	logger *logging.Logger
}

// BreadcrumbOption configures a BreadcrumbFile.
type BreadcrumbOption func(*BreadcrumbFile)

// WithBreadcrumbClock replaces time.Now.
func WithBreadcrumbClock(now func() time.Time) BreadcrumbOption {
	return func(f *BreadcrumbFile) {
		if now != nil {
			f.now = now
		}
	}
}

// WithBreadcrumbLogger sets the logger.
func WithBreadcrumbLogger(l *logging.Logger) BreadcrumbOption {
	return func(f *BreadcrumbFile) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewBreadcrumbFile creates a BreadcrumbFile at path.
func NewBreadcrumbFile(path string, opts ...BreadcrumbOption) *BreadcrumbFile {
	f := &BreadcrumbFile{path: path, now: time.Now, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.WithComponent("breadcrumb")
	return f
}

// Path returns the file location.
func (f *BreadcrumbFile) Path() string {
	return f.path
}

// Write replaces the breadcrumb atomically.
func (f *BreadcrumbFile) Write(resourceKey, previousSessionID string) (*Breadcrumb, error) {
	if err := lease.ValidateKey(resourceKey); err != nil {
		return nil, errors.NewValidationError(err.Error()).WithField("resource_key").WithValue(resourceKey)
	}
	if previousSessionID == "" {
		return nil, errors.NewValidationError("previous session id is required").WithField("previous_session_id")
	}

	b := &Breadcrumb{
		ResourceKey:       resourceKey,
		PreviousSessionID: previousSessionID,
		WrittenAt:         f.now().UTC(),
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := util.AtomicWriteFile(f.path, data, 0o600); err != nil {
		return nil, errors.Wrapf(err, "failed to write breadcrumb %s", f.path)
	}
	f.logger.WithResource(resourceKey).WithSession(previousSessionID).Info("breadcrumb written")
	return b, nil
}

// ErrUnreadableBreadcrumb is returned by Peek when the file exists but does
// not hold a breadcrumb.
var ErrUnreadableBreadcrumb = errors.New("breadcrumb file is unreadable")

// Read returns the breadcrumb, or nil when there is none. Expired and
// unparseable breadcrumbs count as absent and are deleted.
func (f *BreadcrumbFile) Read() (*Breadcrumb, error) {
	b, err := f.Peek()
	if errors.Is(err, ErrUnreadableBreadcrumb) {
		f.logger.Warn("discarding unreadable breadcrumb", "path", f.path)
		return nil, f.Discard()
	}
	if err != nil || b == nil {
		return nil, err
	}
	if b.Expired(f.now()) {
		f.logger.WithResource(b.ResourceKey).Info("discarding expired breadcrumb",
			"written_at", b.WrittenAt.Format(time.RFC3339))
		return nil, f.Discard()
	}
	return b, nil
}

// Peek returns the stored breadcrumb without deleting anything, expired or
// not. It returns nil when there is no file and ErrUnreadableBreadcrumb when
// the file cannot be parsed.
func (f *BreadcrumbFile) Peek() (*Breadcrumb, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read breadcrumb %s", f.path)
	}

	var b Breadcrumb
	if err := json.Unmarshal(data, &b); err != nil || b.ResourceKey == "" {
		return nil, ErrUnreadableBreadcrumb
	}
	return &b, nil
}

// Discard deletes the breadcrumb. A missing file is not an error.
func (f *BreadcrumbFile) Discard() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "failed to remove breadcrumb %s", f.path)
	}
	return nil
}
