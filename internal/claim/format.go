package claim

import (
	"fmt"
)

// FormatFailure renders a failed claim as a message for an operator.
// It returns "" for a successful result.
func FormatFailure(r *Result) string {
	if r == nil || r.Success {
		return ""
	}
	switch {
	case r.Owner != nil:
		return fmt.Sprintf("%s is claimed by session %s (last heartbeat %s ago). "+
			"Wait for it to be released or to go stale before claiming it.",
			r.ResourceKey, r.Owner.SessionID, r.Owner.HeartbeatAgeHuman)
	case r.HeldResource != "":
		return fmt.Sprintf("Session %s already holds %s. Release it before claiming %s.",
			r.SessionID, r.HeldResource, r.ResourceKey)
	case r.Error != "":
		return fmt.Sprintf("Could not claim %s: %s", r.ResourceKey, r.Error)
	default:
		return fmt.Sprintf("Could not claim %s.", r.ResourceKey)
	}
}
