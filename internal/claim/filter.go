package claim

import (
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/leasekeeper/internal/errors"
)

// FilterEntries keeps the entries whose resource key matches pattern. The
// pattern uses shell glob syntax with '/' as separator, so "team-a/*" matches
// "team-a/WI-1" but not "team-a/sub/WI-2". An empty pattern matches
// everything.
func FilterEntries(entries []Entry, pattern string) ([]Entry, error) {
	if pattern == "" {
		return entries, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, errors.NewValidationError("invalid match pattern: " + err.Error()).
			WithField("match").
			WithValue(pattern)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if g.Match(e.Lease.ResourceKey) {
			out = append(out, e)
		}
	}
	return out, nil
}
