// Package natsstore keeps the work-item registry in a NATS JetStream
// key-value bucket. JetStream's per-key revisions back the conditional writes
// lease.Store requires.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Iron-Ham/leasekeeper/internal/lease"
)

// DefaultBucket is the KV bucket used when Config.Bucket is empty.
const DefaultBucket = "leasekeeper-leases"

// DefaultTimeout bounds each KV round trip when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("natsstore: store closed")

// Config holds JetStream KV store configuration.
type Config struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// Timeout bounds each KV call that has no deadline of its own.
	Timeout time.Duration
}

// Store implements lease.Store on a JetStream KV bucket.
type Store struct {
	conn     *nats.Conn
	ownsConn bool
	kv       bucket
	timeout  time.Duration
	closed   atomic.Bool
}

var _ lease.Store = (*Store)(nil)

// Open dials url and opens the registry bucket. The connection is closed
// together with the store.
func Open(url, bucket string, timeout time.Duration) (*Store, error) {
	conn, err := nats.Connect(url, nats.Name("leasekeeper"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	s, err := New(Config{Conn: conn, Bucket: bucket, Timeout: timeout})
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.ownsConn = true
	return s, nil
}

// New creates the bucket if needed and returns a store over it.
func New(cfg Config) (*Store, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "leasekeeper work-item leases",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	s := newWithBucket(jsBucket{kv}, cfg.Timeout)
	s.conn = cfg.Conn
	return s, nil
}

// bucket is the subset of jetstream.KeyValue the store needs, with the
// conditional delete spelled out so it can be faked.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	DeleteRevision(ctx context.Context, key string, revision uint64) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

type jsBucket struct {
	jetstream.KeyValue
}

func (b jsBucket) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	return b.Delete(ctx, key, jetstream.LastRevision(revision))
}

func newWithBucket(kv bucket, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{kv: kv, timeout: timeout}
}

// Get returns the lease stored under key.
func (s *Store) Get(ctx context.Context, key string) (*lease.Lease, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, lease.ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return decode(entry)
}

// Create stores l only if the key has no live value.
func (s *Store) Create(ctx context.Context, l *lease.Lease) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	data, err := json.Marshal(l)
	if err != nil {
		return 0, fmt.Errorf("encode lease: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.kv.Create(ctx, l.ResourceKey, data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongLastSequence(err) {
			return 0, lease.ErrExists
		}
		return 0, fmt.Errorf("kv create: %w", err)
	}
	return rev, nil
}

// Update replaces the value if the key's last revision equals expected.
func (s *Store) Update(ctx context.Context, l *lease.Lease, expected uint64) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	data, err := json.Marshal(l)
	if err != nil {
		return 0, fmt.Errorf("encode lease: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.kv.Update(ctx, l.ResourceKey, data, expected)
	if err != nil {
		if isWrongLastSequence(err) || errors.Is(err, jetstream.ErrKeyExists) {
			return 0, lease.ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return rev, nil
}

// Delete places a delete marker if the key's last revision equals expected.
func (s *Store) Delete(ctx context.Context, key string, expected uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.kv.DeleteRevision(ctx, key, expected)
	if err == nil {
		return nil
	}
	if !isWrongLastSequence(err) {
		return fmt.Errorf("kv delete: %w", err)
	}

	if _, err := s.kv.Get(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return lease.ErrNotFound
		}
		return fmt.Errorf("kv get: %w", err)
	}
	return lease.ErrRevisionMismatch
}

// List returns every live lease ordered by key.
func (s *Store) List(ctx context.Context) ([]*lease.Lease, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]*lease.Lease, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kv get: %w", err)
		}
		l, err := decode(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Close marks the store closed and drops the connection if Open created it.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsConn && s.conn != nil {
		s.conn.Close()
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func decode(entry jetstream.KeyValueEntry) (*lease.Lease, error) {
	var l lease.Lease
	if err := json.Unmarshal(entry.Value(), &l); err != nil {
		return nil, fmt.Errorf("decode lease %s: %w", entry.Key(), err)
	}
	if l.ResourceKey == "" {
		l.ResourceKey = entry.Key()
	}
	l.Revision = entry.Revision()
	return &l, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
