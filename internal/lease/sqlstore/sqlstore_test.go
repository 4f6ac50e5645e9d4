package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/lease/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "registry", "leases.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) lease.Store {
		return openTestStore(t)
	})
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	at := time.Date(2026, 5, 1, 9, 30, 0, 123, time.UTC)
	if _, err := s.Create(ctx, &lease.Lease{ResourceKey: "WI-1", HolderSessionID: "s1", AcquiredAt: at, LastHeartbeatAt: at}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_ = s.Close()

	// Schema application must be idempotent.
	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("second OpenSQLite() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	got, err := s.Get(ctx, "WI-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.LastHeartbeatAt.Equal(at) {
		t.Errorf("LastHeartbeatAt = %v, want %v (nanoseconds preserved)", got.LastHeartbeatAt, at)
	}
}

func TestSQLite_RecreateUsesFreshRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	rev, err := s.Create(ctx, &lease.Lease{ResourceKey: "WI-1", HolderSessionID: "s1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Delete(ctx, "WI-1", rev); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	clock = clock.Add(time.Second)
	if _, err := s.Create(ctx, &lease.Lease{ResourceKey: "WI-1", HolderSessionID: "s2"}); err != nil {
		t.Fatalf("re-Create() error = %v", err)
	}

	// A writer still holding the first revision must lose.
	if _, err := s.Update(ctx, &lease.Lease{ResourceKey: "WI-1", HolderSessionID: "s1"}, rev); !errors.Is(err, lease.ErrRevisionMismatch) {
		t.Errorf("Update() with pre-delete revision error = %v, want ErrRevisionMismatch", err)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Error("OpenSQLite(\"\") expected error")
	}
}

func TestNew_UnsupportedDialect(t *testing.T) {
	s := openTestStore(t)
	if _, err := New(s.db, Dialect("oracle")); err == nil {
		t.Error("New() with unknown dialect expected error")
	}
}

func TestBind(t *testing.T) {
	query := "UPDATE t SET a = ? WHERE k = ? AND r = ?"

	sqlite := &Store{dialect: SQLite}
	if got := sqlite.bind(query); got != query {
		t.Errorf("sqlite bind() = %q, want unchanged", got)
	}

	mssql := &Store{dialect: SQLServer}
	want := "UPDATE t SET a = @p1 WHERE k = @p2 AND r = @p3"
	if got := mssql.bind(query); got != want {
		t.Errorf("sqlserver bind() = %q, want %q", got, want)
	}
}

func TestIsUniqueViolation_OtherErrors(t *testing.T) {
	if isUniqueViolation(errors.New("boom")) {
		t.Error("plain error reported as unique violation")
	}
	if isUniqueViolation(nil) {
		t.Error("nil reported as unique violation")
	}
}
