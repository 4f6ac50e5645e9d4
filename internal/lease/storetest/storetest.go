// Package storetest holds the behaviour every lease.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/leasekeeper/internal/lease"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) lease.Store

// Run exercises the conditional-write contract of lease.Store.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "WI-1")
		if !errors.Is(err, lease.ErrNotFound) {
			t.Fatalf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("CreateThenGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := sample("WI-1", "s1")

		rev, err := s.Create(ctx, in)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if rev == 0 {
			t.Error("Create() returned revision 0")
		}

		got, err := s.Get(ctx, "WI-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.HolderSessionID != "s1" {
			t.Errorf("HolderSessionID = %q, want s1", got.HolderSessionID)
		}
		if !got.AcquiredAt.Equal(in.AcquiredAt) || !got.LastHeartbeatAt.Equal(in.LastHeartbeatAt) {
			t.Errorf("timestamps not preserved: got %v/%v", got.AcquiredAt, got.LastHeartbeatAt)
		}
		if got.OwnerMetadata != in.OwnerMetadata {
			t.Errorf("OwnerMetadata = %q, want %q", got.OwnerMetadata, in.OwnerMetadata)
		}
		if got.Revision != rev {
			t.Errorf("Revision = %d, want %d", got.Revision, rev)
		}
	})

	t.Run("CreateExisting", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.Create(ctx, sample("WI-1", "s1")); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		_, err := s.Create(ctx, sample("WI-1", "s2"))
		if !errors.Is(err, lease.ErrExists) {
			t.Fatalf("second Create() error = %v, want ErrExists", err)
		}
		got, _ := s.Get(ctx, "WI-1")
		if got.HolderSessionID != "s1" {
			t.Errorf("holder overwritten: %q", got.HolderSessionID)
		}
	})

	t.Run("UpdateRevision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rev, err := s.Create(ctx, sample("WI-1", "s1"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		next := sample("WI-1", "s1")
		next.LastHeartbeatAt = next.LastHeartbeatAt.Add(time.Minute)
		newRev, err := s.Update(ctx, next, rev)
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if newRev == rev {
			t.Error("Update() did not advance the revision")
		}

		if _, err := s.Update(ctx, next, rev); !errors.Is(err, lease.ErrRevisionMismatch) {
			t.Errorf("Update() with old revision error = %v, want ErrRevisionMismatch", err)
		}

		got, _ := s.Get(ctx, "WI-1")
		if !got.LastHeartbeatAt.Equal(next.LastHeartbeatAt) {
			t.Errorf("LastHeartbeatAt = %v, want %v", got.LastHeartbeatAt, next.LastHeartbeatAt)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(context.Background(), sample("WI-9", "s1"), 1)
		if !errors.Is(err, lease.ErrRevisionMismatch) {
			t.Errorf("Update() on missing lease error = %v, want ErrRevisionMismatch", err)
		}
	})

	t.Run("DeleteRevision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rev, err := s.Create(ctx, sample("WI-1", "s1"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if err := s.Delete(ctx, "WI-1", rev+100); !errors.Is(err, lease.ErrRevisionMismatch) {
			t.Errorf("Delete() with wrong revision error = %v, want ErrRevisionMismatch", err)
		}
		if err := s.Delete(ctx, "WI-1", rev); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if err := s.Delete(ctx, "WI-1", rev); !errors.Is(err, lease.ErrNotFound) {
			t.Errorf("second Delete() error = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, "WI-1"); !errors.Is(err, lease.ErrNotFound) {
			t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
		}

		// A deleted key can be claimed again.
		if _, err := s.Create(ctx, sample("WI-1", "s2")); err != nil {
			t.Errorf("Create() after delete error = %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"WI-3", "WI-1", "WI-2"} {
			if _, err := s.Create(ctx, sample(k, "s-"+k)); err != nil {
				t.Fatalf("Create(%s) error = %v", k, err)
			}
		}

		got, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("List() returned %d leases, want 3", len(got))
		}
		for i, want := range []string{"WI-1", "WI-2", "WI-3"} {
			if got[i].ResourceKey != want {
				t.Errorf("List()[%d] = %s, want %s", i, got[i].ResourceKey, want)
			}
		}
	})

	t.Run("ConcurrentCreateHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Create(ctx, sample("WI-race", "s"+string(rune('a'+i))))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, lease.ErrExists) {
					t.Errorf("Create() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("%d concurrent creates succeeded, want exactly 1", wins)
		}
	})
}

func sample(key, holder string) *lease.Lease {
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	return &lease.Lease{
		ResourceKey:     key,
		HolderSessionID: holder,
		AcquiredAt:      at,
		LastHeartbeatAt: at,
		OwnerMetadata:   "pid=100",
	}
}
