package natsstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/lease/storetest"
)

// fakeKV is an in-memory bucket with JetStream's revision rules.
type fakeKV struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]*fakeEntry
	// deleted keeps the revision of each delete marker.
	deleted map[string]uint64
	getErr  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		entries: make(map[string]*fakeEntry),
		deleted: make(map[string]uint64),
	}
}

func wrongSequence() error {
	return &jetstream.APIError{
		Code:        400,
		ErrorCode:   jetstream.JSErrCodeStreamWrongLastSequence,
		Description: "wrong last sequence",
	}
}

func (f *fakeKV) lastRevision(key string) uint64 {
	if e, ok := f.entries[key]; ok {
		return e.rev
	}
	return f.deleted[key]
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	e, ok := f.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (f *fakeKV) Create(_ context.Context, key string, value []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return f.put(key, value), nil
}

func (f *fakeKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastRevision(key) != revision {
		return 0, wrongSequence()
	}
	return f.put(key, value), nil
}

func (f *fakeKV) DeleteRevision(_ context.Context, key string, revision uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastRevision(key) != revision {
		return wrongSequence()
	}
	delete(f.entries, key)
	f.seq++
	f.deleted[key] = f.seq
	return nil
}

func (f *fakeKV) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan string, len(f.entries))
	for k := range f.entries {
		ch <- k
	}
	close(ch)
	return &fakeLister{keys: ch}, nil
}

func (f *fakeKV) put(key string, value []byte) uint64 {
	f.seq++
	f.entries[key] = &fakeEntry{key: key, value: append([]byte(nil), value...), rev: f.seq}
	delete(f.deleted, key)
	return f.seq
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	key   string
	value []byte
	rev   uint64
}

func (e *fakeEntry) Key() string      { return e.key }
func (e *fakeEntry) Value() []byte    { return e.value }
func (e *fakeEntry) Revision() uint64 { return e.rev }

type fakeLister struct {
	keys chan string
}

func (l *fakeLister) Keys() <-chan string { return l.keys }
func (l *fakeLister) Stop() error         { return nil }

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) lease.Store {
		return newWithBucket(newFakeKV(), time.Second)
	})
}

func TestStore_GetError(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("nats: timeout")
	s := newWithBucket(kv, time.Second)

	_, err := s.Get(context.Background(), "WI-1")
	if err == nil || errors.Is(err, lease.ErrNotFound) {
		t.Fatalf("Get() error = %v, want a transport error distinct from ErrNotFound", err)
	}
}

func TestStore_DeleteAfterDelete(t *testing.T) {
	s := newWithBucket(newFakeKV(), time.Second)
	ctx := context.Background()

	rev, err := s.Create(ctx, &lease.Lease{ResourceKey: "WI-1", HolderSessionID: "s1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Delete(ctx, "WI-1", rev); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The delete marker advanced the key's revision, so an old revision
	// resolves to ErrNotFound rather than a mismatch.
	if err := s.Delete(ctx, "WI-1", rev); !errors.Is(err, lease.ErrNotFound) {
		t.Errorf("Delete() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_Closed(t *testing.T) {
	s := newWithBucket(newFakeKV(), time.Second)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := s.Get(context.Background(), "WI-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() on closed store error = %v, want ErrClosed", err)
	}
	if _, err := s.Create(context.Background(), &lease.Lease{ResourceKey: "WI-1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Create() on closed store error = %v, want ErrClosed", err)
	}
}

func TestStore_WithTimeoutKeepsCallerDeadline(t *testing.T) {
	s := newWithBucket(newFakeKV(), time.Hour)

	deadline := time.Now().Add(time.Minute)
	parent, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	ctx, done := s.withTimeout(parent)
	defer done()
	if got, _ := ctx.Deadline(); !got.Equal(deadline) {
		t.Errorf("deadline = %v, want caller's %v", got, deadline)
	}

	ctx2, done2 := s.withTimeout(context.Background())
	defer done2()
	if _, ok := ctx2.Deadline(); !ok {
		t.Error("withTimeout() did not set a default deadline")
	}
}

func TestNew_RequiresConn(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without connection expected error")
	}
}

func TestIsWrongLastSequence(t *testing.T) {
	if !isWrongLastSequence(wrongSequence()) {
		t.Error("wrong last sequence API error not recognised")
	}
	if isWrongLastSequence(&jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamNotFound}) {
		t.Error("stream-not-found reported as wrong last sequence")
	}
	if isWrongLastSequence(errors.New("boom")) {
		t.Error("plain error reported as wrong last sequence")
	}
}
