// Package claim implements the Claim Guard, the only code path allowed to
// create, refresh, verify or clear a work-item lease.
//
// Every decision starts from a fresh store read and is applied with a
// conditional write, so two sessions racing for the same work-item resolve to
// exactly one winner. The loser gets a failed [Result] naming the winner.
// Conflicts are never retried automatically: they resolve when the holder
// releases, when its heartbeat goes stale, or when an operator intervenes.
//
// A store that cannot be read or written is reported as an error matching
// errors.ErrStoreUnavailable and is never mistaken for an unclaimed resource.
package claim
