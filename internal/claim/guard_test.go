package claim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	lkerrors "github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/lease/memstore"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
)

var t0 = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newGuard(t *testing.T, opts ...Option) (*Guard, *fakeClock, lease.Store) {
	t.Helper()
	clock := &fakeClock{now: t0}
	store := memstore.New()
	t.Cleanup(func() { _ = store.Close() })
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewGuard(store, opts...), clock, store
}

func mustClaim(t *testing.T, g *Guard, key, session string) *Result {
	t.Helper()
	res, err := g.Claim(context.Background(), key, session)
	if err != nil {
		t.Fatalf("Claim(%s, %s) error = %v", key, session, err)
	}
	return res
}

func TestGuard_Scenario(t *testing.T) {
	g, clock, store := newGuard(t)
	ctx := context.Background()

	res := mustClaim(t, g, "WI-42", "S1")
	if !res.Success || res.Status != StatusCreated {
		t.Fatalf("S1 claim = %+v, want created", res)
	}

	clock.Set(t0.Add(time.Minute))
	res = mustClaim(t, g, "WI-42", "S2")
	if res.Success {
		t.Fatal("S2 claim within the window should fail")
	}
	if res.Owner == nil || res.Owner.SessionID != "S1" {
		t.Fatalf("conflict owner = %+v, want S1", res.Owner)
	}
	if res.Owner.HeartbeatAgeHuman != "1 minute" {
		t.Errorf("HeartbeatAgeHuman = %q, want %q", res.Owner.HeartbeatAgeHuman, "1 minute")
	}
	if !errors.Is(res.Err, lkerrors.ErrLeaseConflict) {
		t.Errorf("Err = %v, want ErrLeaseConflict", res.Err)
	}

	clock.Set(t0.Add(6 * time.Minute))
	res = mustClaim(t, g, "WI-42", "S2")
	if !res.Success || res.Status != StatusReclaimedStale {
		t.Fatalf("S2 retry = %+v, want reclaimed_stale", res)
	}

	cur, err := store.Get(ctx, "WI-42")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cur.HolderSessionID != "S2" {
		t.Errorf("holder = %q, want S2", cur.HolderSessionID)
	}
	if !cur.AcquiredAt.Equal(t0.Add(6 * time.Minute)) {
		t.Errorf("AcquiredAt = %v, want reclaim time", cur.AcquiredAt)
	}
}

func TestGuard_StalenessBoundary(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		success bool
	}{
		{"one second before threshold", lease.DefaultStaleAfter - time.Second, false},
		{"at threshold", lease.DefaultStaleAfter, true},
		{"one second after threshold", lease.DefaultStaleAfter + time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, clock, _ := newGuard(t)
			mustClaim(t, g, "WI-1", "S1")

			clock.Set(t0.Add(tt.offset))
			res := mustClaim(t, g, "WI-1", "S2")
			if res.Success != tt.success {
				t.Errorf("Success = %v, want %v (%+v)", res.Success, tt.success, res)
			}
		})
	}
}

func TestGuard_CustomStaleAfter(t *testing.T) {
	g, clock, _ := newGuard(t, WithStaleAfter(time.Minute))
	mustClaim(t, g, "WI-1", "S1")

	clock.Set(t0.Add(90 * time.Second))
	if res := mustClaim(t, g, "WI-1", "S2"); !res.Success {
		t.Errorf("claim after custom threshold should succeed: %+v", res)
	}
	if g.StaleAfter() != time.Minute {
		t.Errorf("StaleAfter() = %v", g.StaleAfter())
	}
}

func TestGuard_IdempotentReclaim(t *testing.T) {
	g, clock, store := newGuard(t, WithOwnerMetadata("pid=7"))
	mustClaim(t, g, "WI-1", "S1")

	for i := 1; i <= 3; i++ {
		clock.Set(t0.Add(time.Duration(i) * 2 * time.Minute))
		res := mustClaim(t, g, "WI-1", "S1")
		if !res.Success || res.Status != StatusRefreshed {
			t.Fatalf("re-claim %d = %+v, want refreshed", i, res)
		}
	}

	cur, _ := store.Get(context.Background(), "WI-1")
	if !cur.AcquiredAt.Equal(t0) {
		t.Errorf("AcquiredAt = %v, want %v", cur.AcquiredAt, t0)
	}
	if !cur.LastHeartbeatAt.Equal(t0.Add(6 * time.Minute)) {
		t.Errorf("LastHeartbeatAt = %v, want %v", cur.LastHeartbeatAt, t0.Add(6*time.Minute))
	}
	if cur.OwnerMetadata != "pid=7" {
		t.Errorf("OwnerMetadata = %q", cur.OwnerMetadata)
	}
}

func TestGuard_OwnStaleLeaseIsRefreshed(t *testing.T) {
	g, clock, _ := newGuard(t)
	mustClaim(t, g, "WI-1", "S1")

	clock.Set(t0.Add(time.Hour))
	res := mustClaim(t, g, "WI-1", "S1")
	if !res.Success || res.Status != StatusRefreshed {
		t.Errorf("re-claim of own stale lease = %+v, want refreshed", res)
	}
}

func TestGuard_OneLeasePerSession(t *testing.T) {
	g, clock, _ := newGuard(t)
	mustClaim(t, g, "WI-1", "S1")

	res := mustClaim(t, g, "WI-2", "S1")
	if res.Success {
		t.Fatal("second resource claim should fail while the first is live")
	}
	if res.HeldResource != "WI-1" {
		t.Errorf("HeldResource = %q, want WI-1", res.HeldResource)
	}
	if !errors.Is(res.Err, lkerrors.ErrSessionBusy) {
		t.Errorf("Err = %v, want ErrSessionBusy", res.Err)
	}

	// Once the first lease is stale the session may move on.
	clock.Set(t0.Add(10 * time.Minute))
	if res := mustClaim(t, g, "WI-2", "S1"); !res.Success {
		t.Errorf("claim after own lease went stale = %+v", res)
	}
}

func TestGuard_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	g, _, _ := newGuard(t)

	const sessions = 6
	results := make([]*Result, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Claim(context.Background(), "WI-race", "S"+string(rune('A'+i)))
			if err != nil {
				t.Errorf("Claim() error = %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	var winner string
	wins := 0
	for _, r := range results {
		if r != nil && r.Success {
			wins++
			winner = r.SessionID
		}
	}
	if wins != 1 {
		t.Fatalf("%d claims succeeded, want 1", wins)
	}
	for _, r := range results {
		if r != nil && !r.Success && r.Owner != nil && r.Owner.SessionID != winner {
			t.Errorf("loser names %q, want winner %q", r.Owner.SessionID, winner)
		}
	}
}

// racingStore lets another session create the lease between the guard's
// read and its write.
type racingStore struct {
	lease.Store
	winner string
	once   sync.Once
}

func (s *racingStore) Create(ctx context.Context, l *lease.Lease) (uint64, error) {
	s.once.Do(func() {
		other := l.Clone()
		other.HolderSessionID = s.winner
		_, _ = s.Store.Create(ctx, other)
	})
	return s.Store.Create(ctx, l)
}

func TestGuard_LostRaceReportsWinner(t *testing.T) {
	store := &racingStore{Store: memstore.New(), winner: "S-fast"}
	g := NewGuard(store, WithClock(func() time.Time { return t0 }))

	res, err := g.Claim(context.Background(), "WI-1", "S-slow")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if res.Success {
		t.Fatal("claim that lost the race reported success")
	}
	if res.Owner == nil || res.Owner.SessionID != "S-fast" {
		t.Errorf("Owner = %+v, want S-fast", res.Owner)
	}
}

// failingStore fails every call with err.
type failingStore struct {
	lease.Store
	err error
}

func (s *failingStore) Get(context.Context, string) (*lease.Lease, error) { return nil, s.err }
func (s *failingStore) List(context.Context) ([]*lease.Lease, error)      { return nil, s.err }

func TestGuard_StoreFailureIsNeverUnclaimed(t *testing.T) {
	boom := errors.New("connection refused")
	g := NewGuard(&failingStore{Store: memstore.New(), err: boom}, WithBackendName("nats"))
	ctx := context.Background()

	res, err := g.Claim(ctx, "WI-1", "S1")
	if err == nil {
		t.Fatalf("Claim() = %+v, want error", res)
	}
	if res != nil {
		t.Errorf("Claim() result = %+v, want nil on store failure", res)
	}
	if !errors.Is(err, lkerrors.ErrStoreUnavailable) || !errors.Is(err, boom) {
		t.Errorf("Claim() error = %v, want ErrStoreUnavailable wrapping cause", err)
	}
	var storeErr *lkerrors.StoreError
	if !errors.As(err, &storeErr) || storeErr.Backend != "nats" {
		t.Errorf("error = %#v, want StoreError for nats", err)
	}

	if ok, err := g.VerifyOwnership(ctx, "WI-1", "S1"); ok || err == nil {
		t.Errorf("VerifyOwnership() = %v, %v; want false and error", ok, err)
	}
	if _, err := g.Release(ctx, "WI-1", "S1", lease.ReasonOwnerRelease); !errors.Is(err, lkerrors.ErrStoreUnavailable) {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := g.Heartbeat(ctx, "WI-1", "S1"); !errors.Is(err, lkerrors.ErrStoreUnavailable) {
		t.Errorf("Heartbeat() error = %v", err)
	}
	if _, err := g.List(ctx); !errors.Is(err, lkerrors.ErrStoreUnavailable) {
		t.Errorf("List() error = %v", err)
	}
}

// writeFailingStore reads normally but rejects writes.
type writeFailingStore struct {
	lease.Store
}

func (s *writeFailingStore) Create(context.Context, *lease.Lease) (uint64, error) {
	return 0, errors.New("read-only replica")
}

func TestGuard_WriteFailureSurfaces(t *testing.T) {
	g := NewGuard(&writeFailingStore{Store: memstore.New()})
	_, err := g.Claim(context.Background(), "WI-1", "S1")
	if !errors.Is(err, lkerrors.ErrStoreUnavailable) {
		t.Errorf("Claim() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestGuard_VerifyOwnership(t *testing.T) {
	g, clock, _ := newGuard(t)
	ctx := context.Background()

	check := func(key, session string, want bool) {
		t.Helper()
		got, err := g.VerifyOwnership(ctx, key, session)
		if err != nil {
			t.Fatalf("VerifyOwnership() error = %v", err)
		}
		if got != want {
			t.Errorf("VerifyOwnership(%s, %s) = %v, want %v", key, session, got, want)
		}
	}

	check("WI-1", "S1", false)
	mustClaim(t, g, "WI-1", "S1")
	check("WI-1", "S1", true)
	check("WI-1", "S2", false)

	clock.Set(t0.Add(lease.DefaultStaleAfter))
	check("WI-1", "S1", false)
}

func TestGuard_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("own lease", func(t *testing.T) {
		g, _, store := newGuard(t)
		mustClaim(t, g, "WI-1", "S1")

		res, err := g.Release(ctx, "WI-1", "S1", lease.ReasonOwnerRelease)
		if err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if !res.Released || res.PreviousHolder != "S1" {
			t.Errorf("Release() = %+v", res)
		}
		if _, err := store.Get(ctx, "WI-1"); !errors.Is(err, lease.ErrNotFound) {
			t.Errorf("lease still present: %v", err)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		g, _, _ := newGuard(t)
		for i := 0; i < 2; i++ {
			res, err := g.Release(ctx, "WI-1", "S1", lease.ReasonOwnerRelease)
			if err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if res.Released {
				t.Error("Release() of missing lease reported Released")
			}
		}
	})

	t.Run("foreign lease without admin reason", func(t *testing.T) {
		g, clock, _ := newGuard(t)
		mustClaim(t, g, "WI-1", "S1")
		clock.Set(t0.Add(time.Hour))

		_, err := g.Release(ctx, "WI-1", "S2", lease.ReasonOwnerRelease)
		if !errors.Is(err, lkerrors.ErrNotHolder) {
			t.Errorf("Release() error = %v, want ErrNotHolder", err)
		}
	})

	t.Run("live foreign lease is never removed", func(t *testing.T) {
		g, clock, store := newGuard(t)
		mustClaim(t, g, "WI-1", "S1")
		clock.Set(t0.Add(time.Minute))

		for _, reason := range []lease.ReleaseReason{lease.ReasonStaleReclaim, lease.ReasonAdministrativeOverride} {
			_, err := g.Release(ctx, "WI-1", "S2", reason)
			if !errors.Is(err, lkerrors.ErrLeaseConflict) {
				t.Errorf("Release(%s) error = %v, want ErrLeaseConflict", reason, err)
			}
			if sev := lkerrors.GetSeverity(err); sev != lkerrors.SeverityWarning {
				t.Errorf("Release(%s) severity = %v, want warning", reason, sev)
			}
		}
		if cur, _ := store.Get(ctx, "WI-1"); cur == nil || cur.HolderSessionID != "S1" {
			t.Errorf("live lease was modified: %+v", cur)
		}
	})

	t.Run("stale foreign lease with admin reason", func(t *testing.T) {
		g, clock, _ := newGuard(t)
		mustClaim(t, g, "WI-1", "S1")
		clock.Set(t0.Add(lease.DefaultStaleAfter + time.Second))

		res, err := g.Release(ctx, "WI-1", "operator", lease.ReasonAdministrativeOverride)
		if err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if !res.Released || res.PreviousHolder != "S1" {
			t.Errorf("Release() = %+v", res)
		}
	})

	t.Run("unknown reason", func(t *testing.T) {
		g, _, _ := newGuard(t)
		_, err := g.Release(ctx, "WI-1", "S1", lease.ReleaseReason("because"))
		if !errors.Is(err, lkerrors.ErrInvalidInput) {
			t.Errorf("Release() error = %v, want ErrInvalidInput", err)
		}
	})
}

func TestGuard_Heartbeat(t *testing.T) {
	g, clock, _ := newGuard(t)
	ctx := context.Background()

	if _, err := g.Heartbeat(ctx, "WI-1", "S1"); !errors.Is(err, lkerrors.ErrNotHolder) {
		t.Errorf("Heartbeat() on missing lease error = %v, want ErrNotHolder", err)
	}

	mustClaim(t, g, "WI-1", "S1")
	clock.Set(t0.Add(3 * time.Minute))

	l, err := g.Heartbeat(ctx, "WI-1", "S1")
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !l.LastHeartbeatAt.Equal(t0.Add(3*time.Minute)) || !l.AcquiredAt.Equal(t0) {
		t.Errorf("Heartbeat() = %+v", l)
	}

	if _, err := g.Heartbeat(ctx, "WI-1", "S2"); !errors.Is(err, lkerrors.ErrNotHolder) {
		t.Errorf("Heartbeat() by other session error = %v, want ErrNotHolder", err)
	}
}

func TestGuard_ListAndInspect(t *testing.T) {
	g, clock, _ := newGuard(t)
	ctx := context.Background()
	mustClaim(t, g, "WI-1", "S1")
	clock.Set(t0.Add(6 * time.Minute))
	mustClaim(t, g, "WI-2", "S2")

	entries, err := g.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries", len(entries))
	}
	if !entries[0].Stale || entries[1].Stale {
		t.Errorf("stale flags = %v/%v, want true/false", entries[0].Stale, entries[1].Stale)
	}

	e, err := g.Inspect(ctx, "WI-2")
	if err != nil || e == nil || e.Lease.HolderSessionID != "S2" {
		t.Errorf("Inspect(WI-2) = %+v, %v", e, err)
	}
	if e, err := g.Inspect(ctx, "WI-9"); err != nil || e != nil {
		t.Errorf("Inspect(WI-9) = %+v, %v; want nil", e, err)
	}

	held, err := g.HeldBy(ctx, "S1")
	if err != nil || held != nil {
		t.Errorf("HeldBy(S1) = %+v, %v; want nil for stale lease", held, err)
	}
}

func TestGuard_InvalidInput(t *testing.T) {
	g, _, _ := newGuard(t)
	ctx := context.Background()

	for _, tc := range []struct{ key, session string }{
		{"", "S1"},
		{"WI 1", "S1"},
		{"WI-1", ""},
	} {
		if _, err := g.Claim(ctx, tc.key, tc.session); !errors.Is(err, lkerrors.ErrInvalidInput) {
			t.Errorf("Claim(%q, %q) error = %v, want ErrInvalidInput", tc.key, tc.session, err)
		}
	}
}

func TestGuard_AuditLog(t *testing.T) {
	var buf bytes.Buffer
	g, clock, _ := newGuard(t, WithLogger(logging.NewWriterLogger(&buf, logging.LevelInfo)))
	ctx := context.Background()

	mustClaim(t, g, "WI-1", "S1")
	clock.Set(t0.Add(time.Hour))
	mustClaim(t, g, "WI-1", "S2")
	if _, err := g.Release(ctx, "WI-1", "S2", lease.ReasonOwnerRelease); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		`"msg":"lease created"`,
		`"msg":"stale lease reclaimed"`,
		`"previous_holder":"S1"`,
		`"msg":"lease released"`,
		`"reason":"owner_release"`,
		`"component":"claim"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("audit log missing %s\n%s", want, out)
		}
	}
}

func TestResult_JSON(t *testing.T) {
	g, clock, _ := newGuard(t)
	ok := mustClaim(t, g, "WI-1", "S1")
	clock.Set(t0.Add(2 * time.Minute))
	fail := mustClaim(t, g, "WI-1", "S2")

	var got map[string]any
	data, _ := json.Marshal(ok)
	_ = json.Unmarshal(data, &got)
	if got["success"] != true || got["status"] != "created" || got["claim"] == nil {
		t.Errorf("success JSON = %s", data)
	}
	if _, has := got["owner"]; has {
		t.Errorf("success JSON carries owner: %s", data)
	}

	got = nil
	data, _ = json.Marshal(fail)
	_ = json.Unmarshal(data, &got)
	owner, _ := got["owner"].(map[string]any)
	if got["success"] != false || got["error"] == "" || owner["session_id"] != "S1" || owner["heartbeat_age_human"] != "2 minutes" {
		t.Errorf("failure JSON = %s", data)
	}
}

func TestFormatFailure(t *testing.T) {
	tests := []struct {
		name string
		res  *Result
		want string
	}{
		{"nil", nil, ""},
		{"success", &Result{Success: true}, ""},
		{
			"conflict",
			&Result{ResourceKey: "WI-42", Owner: &Owner{SessionID: "S1", HeartbeatAgeHuman: "1 minute"}},
			"WI-42 is claimed by session S1 (last heartbeat 1 minute ago). Wait for it to be released or to go stale before claiming it.",
		},
		{
			"conflict with zero age",
			&Result{ResourceKey: "WI-42", Owner: &Owner{SessionID: "S1", HeartbeatAgeHuman: lease.FormatAge(0)}},
			"WI-42 is claimed by session S1 (last heartbeat 0 seconds ago). Wait for it to be released or to go stale before claiming it.",
		},
		{
			"busy",
			&Result{ResourceKey: "WI-2", SessionID: "S1", HeldResource: "WI-1"},
			"Session S1 already holds WI-1. Release it before claiming WI-2.",
		},
		{
			"other",
			&Result{ResourceKey: "WI-2", Error: "lease changed concurrently"},
			"Could not claim WI-2: lease changed concurrently",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatFailure(tt.res); got != tt.want {
				t.Errorf("FormatFailure() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatFailure_FreshConflict(t *testing.T) {
	g, clock, _ := newGuard(t)

	mustClaim(t, g, "WI-42", "S1")
	clock.Set(t0.Add(500 * time.Millisecond))
	res := mustClaim(t, g, "WI-42", "S2")
	if res.Success {
		t.Fatal("second claim within the window should fail")
	}

	want := "WI-42 is claimed by session S1 (last heartbeat 0 seconds ago). Wait for it to be released or to go stale before claiming it."
	if got := FormatFailure(res); got != want {
		t.Errorf("FormatFailure() = %q, want %q", got, want)
	}
	if strings.Contains(FormatFailure(res), "now ago") {
		t.Error("fresh conflict must not read \"now ago\"")
	}
}
