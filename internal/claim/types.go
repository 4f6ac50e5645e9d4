package claim

import (
	"time"

	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
)

// Status describes how a successful claim was satisfied.
type Status string

const (
	// StatusCreated means the resource was unclaimed and a new lease was written.
	StatusCreated Status = "created"
	// StatusRefreshed means the session already held the lease and its
	// heartbeat was advanced.
	StatusRefreshed Status = "refreshed"
	// StatusReclaimedStale means a stale lease held by another session was
	// replaced.
	StatusReclaimedStale Status = "reclaimed_stale"
)

// Owner identifies the session blocking a claim.
type Owner struct {
	SessionID         string        `json:"session_id"`
	HeartbeatAgeHuman string        `json:"heartbeat_age_human"`
	HeartbeatAge      time.Duration `json:"-"`
}

// Result is the outcome of Claim. A conflict is a failed Result, not an error.
type Result struct {
	Success bool         `json:"success"`
	Status  Status       `json:"status,omitempty"`
	Claim   *lease.Lease `json:"claim,omitempty"`

	Error string `json:"error,omitempty"`
	Owner *Owner `json:"owner,omitempty"`
	// HeldResource is set when the claim failed because the session already
	// holds a different live lease.
	HeldResource string `json:"held_resource,omitempty"`

	ResourceKey string `json:"-"`
	SessionID   string `json:"-"`
	// Err is the typed conflict behind a failed result. It matches
	// errors.ErrLeaseConflict or errors.ErrSessionBusy.
	Err error `json:"-"`
}

// ReleaseResult is the outcome of Release.
type ReleaseResult struct {
	ResourceKey string              `json:"resource_key"`
	Released    bool                `json:"released"`
	Reason      lease.ReleaseReason `json:"reason"`
	// PreviousHolder is the session whose lease was cleared.
	PreviousHolder string `json:"previous_holder,omitempty"`
}

// Entry is a stored lease together with its derived staleness.
type Entry struct {
	Lease *lease.Lease  `json:"lease"`
	Stale bool          `json:"stale"`
	Age   time.Duration `json:"age_ns"`
}

// Option configures a Guard.
type Option func(*Guard)

// WithStaleAfter sets the heartbeat age after which a lease may be reclaimed.
func WithStaleAfter(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.staleAfter = d
		}
	}
}

// WithClock replaces time.Now. Used by tests to step through staleness.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the audit logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithOwnerMetadata sets the label stored on every lease this guard writes,
// such as "pid=4242 host=dev-box".
func WithOwnerMetadata(meta string) Option {
	return func(g *Guard) {
		g.ownerMetadata = meta
	}
}

// WithBackendName names the store in StoreError context.
func WithBackendName(name string) Option {
	return func(g *Guard) {
		if name != "" {
			g.backend = name
		}
	}
}
