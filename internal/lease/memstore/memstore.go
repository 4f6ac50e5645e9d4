// Package memstore is an in-process lease.Store. It is not shared between
// processes, so it only suits tests and single-process embedding.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/Iron-Ham/leasekeeper/internal/lease"
)

// Store implements lease.Store with a mutex-guarded map.
type Store struct {
	mu       sync.Mutex
	leases   map[string]*lease.Lease
	revision uint64
	closed   bool
}

var _ lease.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{leases: make(map[string]*lease.Lease)}
}

// Get returns a copy of the lease for key.
func (s *Store) Get(ctx context.Context, key string) (*lease.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}

	l, ok := s.leases[key]
	if !ok {
		return nil, lease.ErrNotFound
	}
	return l.Clone(), nil
}

// Create inserts l if no lease exists for its key.
func (s *Store) Create(ctx context.Context, l *lease.Lease) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	if _, ok := s.leases[l.ResourceKey]; ok {
		return 0, lease.ErrExists
	}
	s.revision++
	stored := l.Clone()
	stored.Revision = s.revision
	s.leases[l.ResourceKey] = stored
	return stored.Revision, nil
}

// Update replaces the lease if its revision is still expected.
func (s *Store) Update(ctx context.Context, l *lease.Lease, expected uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	current, ok := s.leases[l.ResourceKey]
	if !ok || current.Revision != expected {
		return 0, lease.ErrRevisionMismatch
	}
	s.revision++
	stored := l.Clone()
	stored.Revision = s.revision
	s.leases[l.ResourceKey] = stored
	return stored.Revision, nil
}

// Delete removes the lease if its revision is still expected.
func (s *Store) Delete(ctx context.Context, key string, expected uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	current, ok := s.leases[key]
	if !ok {
		return lease.ErrNotFound
	}
	if current.Revision != expected {
		return lease.ErrRevisionMismatch
	}
	delete(s.leases, key)
	return nil
}

// List returns copies of all leases sorted by key.
func (s *Store) List(ctx context.Context) ([]*lease.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}

	out := make([]*lease.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}

// Close marks the store closed; later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
