// Package lease defines the work-item lease model shared by the Claim Guard,
// the Reclaim Coordinator and every lease store backend.
//
// A lease is a time-bounded, revocable claim over a named resource. Staleness
// is never stored: it is derived from the last heartbeat, a threshold and the
// current time through [IsStale], so there is no flag to fall out of date.
package lease

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultStaleAfter is the heartbeat age after which a work-item lease may be
// reclaimed by another session.
const DefaultStaleAfter = 5 * time.Minute

// Lease is the registry record for a single work-item.
type Lease struct {
	ResourceKey     string    `json:"resource_key"`
	HolderSessionID string    `json:"holder_session_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	// OwnerMetadata is a free-form label such as "pid=4242 host=dev-box".
	OwnerMetadata string `json:"owner_metadata,omitempty"`

	// Revision is the store version observed when the lease was read. Stores
	// use it for conditional writes; it is not part of the wire format.
	Revision uint64 `json:"-"`
}

// Held reports whether the lease has a holder.
func (l *Lease) Held() bool {
	return l != nil && l.HolderSessionID != ""
}

// HeartbeatAge returns how long ago the holder last refreshed the lease.
func (l *Lease) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(l.LastHeartbeatAt)
}

// IsStale reports whether the lease heartbeat is at least threshold old.
func (l *Lease) IsStale(threshold time.Duration, now time.Time) bool {
	return IsStale(l.LastHeartbeatAt, threshold, now)
}

// Clone returns a copy that can be mutated without affecting l.
func (l *Lease) Clone() *Lease {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// IsStale is the single staleness rule: a heartbeat is stale once
// now - lastHeartbeatAt >= threshold.
func IsStale(lastHeartbeatAt time.Time, threshold time.Duration, now time.Time) bool {
	return now.Sub(lastHeartbeatAt) >= threshold
}

// FormatAge renders a duration for operators, e.g. "1 minute" or "3 hours".
// Durations under a second, including negative ones, render as "0 seconds".
func FormatAge(d time.Duration) string {
	// humanize says "now" below one second, which reads badly before "ago".
	if d < time.Second {
		return "0 seconds"
	}
	base := time.Unix(0, 0)
	return strings.TrimSpace(humanize.RelTime(base, base.Add(d), "", ""))
}

// FormatSince renders the age of t relative to now.
func FormatSince(t, now time.Time) string {
	return FormatAge(now.Sub(t))
}

// ReleaseReason records why a lease was cleared. The set is closed.
type ReleaseReason string

const (
	// ReasonOwnerRelease is used when the holder gives up its own lease.
	ReasonOwnerRelease ReleaseReason = "owner_release"
	// ReasonStaleReclaim is used when a stale lease is cleared so another
	// session can claim the resource.
	ReasonStaleReclaim ReleaseReason = "stale_reclaim"
	// ReasonAdministrativeOverride is used when an operator clears a stale
	// foreign lease by hand.
	ReasonAdministrativeOverride ReleaseReason = "administrative_override"
)

// ValidReleaseReasons returns every accepted release reason.
func ValidReleaseReasons() []ReleaseReason {
	return []ReleaseReason{ReasonOwnerRelease, ReasonStaleReclaim, ReasonAdministrativeOverride}
}

// Valid reports whether r is one of the accepted reasons.
func (r ReleaseReason) Valid() bool {
	switch r {
	case ReasonOwnerRelease, ReasonStaleReclaim, ReasonAdministrativeOverride:
		return true
	default:
		return false
	}
}

// Administrative reports whether r may clear a lease held by someone else.
func (r ReleaseReason) Administrative() bool {
	return r == ReasonStaleReclaim || r == ReasonAdministrativeOverride
}

func (r ReleaseReason) String() string {
	return string(r)
}

// ParseReleaseReason converts s into a ReleaseReason.
func ParseReleaseReason(s string) (ReleaseReason, error) {
	r := ReleaseReason(strings.TrimSpace(strings.ToLower(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown release reason %q (want one of %v)", s, ValidReleaseReasons())
	}
	return r, nil
}

// keyPattern is the character set every backend can store as a key.
var keyPattern = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// MaxKeyLength bounds resource keys so they fit every backend's key column.
const MaxKeyLength = 255

// ValidateKey checks that key can be used as a resource key in every store.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("resource key is empty")
	case len(key) > MaxKeyLength:
		return fmt.Errorf("resource key longer than %d characters", MaxKeyLength)
	case strings.HasPrefix(key, ".") || strings.HasSuffix(key, "."):
		return fmt.Errorf("resource key %q may not start or end with '.'", key)
	case !keyPattern.MatchString(key):
		return fmt.Errorf("resource key %q contains unsupported characters", key)
	}
	return nil
}
