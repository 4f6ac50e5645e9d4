package lease

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no lease exists for a resource key.
var ErrNotFound = errors.New("lease not found")

// ErrExists is returned by Create when a lease for the key already exists.
var ErrExists = errors.New("lease already exists")

// ErrRevisionMismatch is returned by Update and Delete when the stored lease
// changed since it was read.
var ErrRevisionMismatch = errors.New("lease revision changed")

// Store is the shared work-item registry.
//
// Every write is conditional. Create only succeeds when no lease exists, and
// Update and Delete only succeed when the stored revision still equals the
// revision the caller read. Two sessions racing for the same resource
// therefore cannot both believe they won: the loser gets ErrExists or
// ErrRevisionMismatch and must re-read.
//
// Any other error means the store could not be reached or answered
// unexpectedly. Callers must never interpret such an error as "unclaimed".
type Store interface {
	// Get returns the lease for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Lease, error)

	// Create inserts l and returns its new revision.
	// Returns ErrExists if a lease for l.ResourceKey is already stored.
	Create(ctx context.Context, l *Lease) (uint64, error)

	// Update replaces the lease for l.ResourceKey if its revision equals
	// expected, returning the new revision.
	Update(ctx context.Context, l *Lease, expected uint64) (uint64, error)

	// Delete removes the lease for key if its revision equals expected.
	// Returns ErrNotFound if there is nothing to delete.
	Delete(ctx context.Context, key string, expected uint64) error

	// List returns every stored lease ordered by resource key.
	List(ctx context.Context) ([]*Lease, error)

	// Close releases backend resources.
	Close() error
}

// IsWriteConflict reports whether err came from a conditional write losing
// a race with another writer.
func IsWriteConflict(err error) bool {
	return errors.Is(err, ErrExists) || errors.Is(err, ErrRevisionMismatch)
}
