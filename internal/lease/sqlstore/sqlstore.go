// Package sqlstore keeps the work-item registry in a SQL table. Two dialects
// are supported: a local SQLite file for single-host teams and SQL Server for
// a registry shared across hosts.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/leasekeeper/internal/lease"
)

// Dialect selects placeholder syntax and schema for a database engine.
type Dialect string

const (
	SQLite    Dialect = "sqlite"
	SQLServer Dialect = "sqlserver"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS work_item_leases (
  resource_key          TEXT    NOT NULL PRIMARY KEY,
  holder_session_id     TEXT    NOT NULL,
  acquired_at_ns        INTEGER NOT NULL,
  last_heartbeat_at_ns  INTEGER NOT NULL,
  owner_metadata        TEXT    NOT NULL DEFAULT '',
  revision              INTEGER NOT NULL
);`

const sqlServerSchema = `
IF OBJECT_ID(N'dbo.work_item_leases', N'U') IS NULL
BEGIN
  CREATE TABLE dbo.work_item_leases (
    resource_key          NVARCHAR(255)  NOT NULL PRIMARY KEY,
    holder_session_id     NVARCHAR(255)  NOT NULL,
    acquired_at_ns        BIGINT         NOT NULL,
    last_heartbeat_at_ns  BIGINT         NOT NULL,
    owner_metadata        NVARCHAR(1024) NOT NULL DEFAULT '',
    revision              BIGINT         NOT NULL
  );
END`

// Store implements lease.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
}

var _ lease.Store = (*Store)(nil)

// OpenSQLite opens (creating if needed) a SQLite registry at path.
func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite registry: %w", err)
	}
	// A single connection serialises writers inside this process; other
	// processes are handled by SQLite's own locking and busy_timeout.
	db.SetMaxOpenConns(1)

	s, err := New(db, SQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLServer connects to a SQL Server registry using a go-mssqldb DSN.
func OpenSQLServer(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlserver dsn is required")
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlserver registry: %w", err)
	}
	s, err := New(db, SQLServer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}

	s := &Store{db: db, dialect: dialect, now: time.Now}
	var schema string
	switch dialect {
	case SQLite:
		s.table = "work_item_leases"
		schema = sqliteSchema
	case SQLServer:
		s.table = "dbo.work_item_leases"
		schema = sqlServerSchema
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply lease schema: %w", err)
	}
	return s, nil
}

// Get returns the lease for key.
func (s *Store) Get(ctx context.Context, key string) (*lease.Lease, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT resource_key, holder_session_id, acquired_at_ns, last_heartbeat_at_ns, owner_metadata, revision
     FROM `+s.table+` WHERE resource_key = ?`), key)

	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lease.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read lease %s: %w", key, err)
	}
	return l, nil
}

// Create inserts l unless a row for its key already exists.
func (s *Store) Create(ctx context.Context, l *lease.Lease) (uint64, error) {
	rev := s.initialRevision()

	var query string
	switch s.dialect {
	case SQLite:
		query = `INSERT INTO ` + s.table + ` (resource_key, holder_session_id, acquired_at_ns, last_heartbeat_at_ns, owner_metadata, revision)
     VALUES (?, ?, ?, ?, ?, ?)
     ON CONFLICT(resource_key) DO NOTHING`
	default:
		query = `INSERT INTO ` + s.table + ` (resource_key, holder_session_id, acquired_at_ns, last_heartbeat_at_ns, owner_metadata, revision)
     VALUES (?, ?, ?, ?, ?, ?)`
	}

	res, err := s.db.ExecContext(ctx, s.bind(query),
		l.ResourceKey,
		l.HolderSessionID,
		l.AcquiredAt.UnixNano(),
		l.LastHeartbeatAt.UnixNano(),
		l.OwnerMetadata,
		int64(rev),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, lease.ErrExists
		}
		return 0, fmt.Errorf("insert lease %s: %w", l.ResourceKey, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert lease %s: %w", l.ResourceKey, err)
	}
	if n == 0 {
		return 0, lease.ErrExists
	}
	return rev, nil
}

// Update rewrites the row only if its revision still equals expected.
func (s *Store) Update(ctx context.Context, l *lease.Lease, expected uint64) (uint64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE `+s.table+`
     SET holder_session_id = ?, acquired_at_ns = ?, last_heartbeat_at_ns = ?, owner_metadata = ?, revision = revision + 1
     WHERE resource_key = ? AND revision = ?`),
		l.HolderSessionID,
		l.AcquiredAt.UnixNano(),
		l.LastHeartbeatAt.UnixNano(),
		l.OwnerMetadata,
		l.ResourceKey,
		int64(expected),
	)
	if err != nil {
		return 0, fmt.Errorf("update lease %s: %w", l.ResourceKey, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update lease %s: %w", l.ResourceKey, err)
	}
	if n == 0 {
		return 0, lease.ErrRevisionMismatch
	}
	return expected + 1, nil
}

// Delete removes the row only if its revision still equals expected.
func (s *Store) Delete(ctx context.Context, key string, expected uint64) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`DELETE FROM `+s.table+` WHERE resource_key = ? AND revision = ?`),
		key, int64(expected),
	)
	if err != nil {
		return fmt.Errorf("delete lease %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete lease %s: %w", key, err)
	}
	if n > 0 {
		return nil
	}

	// Nothing deleted: tell a vanished row apart from a changed one.
	if _, err := s.Get(ctx, key); err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			return lease.ErrNotFound
		}
		return err
	}
	return lease.ErrRevisionMismatch
}

// List returns every lease ordered by key.
func (s *Store) List(ctx context.Context) ([]*lease.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_key, holder_session_id, acquired_at_ns, last_heartbeat_at_ns, owner_metadata, revision
     FROM `+s.table+` ORDER BY resource_key`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*lease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initialRevision seeds new rows from the clock so a key that is deleted and
// re-created does not reuse a revision a stale reader may still hold.
func (s *Store) initialRevision() uint64 {
	return uint64(s.now().UnixNano())
}

// bind rewrites '?' placeholders into the dialect's form.
func (s *Store) bind(query string) string {
	if s.dialect != SQLServer {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(row scanner) (*lease.Lease, error) {
	var (
		l                  lease.Lease
		acquiredNS, beatNS int64
		revision           int64
	)
	if err := row.Scan(&l.ResourceKey, &l.HolderSessionID, &acquiredNS, &beatNS, &l.OwnerMetadata, &revision); err != nil {
		return nil, err
	}
	l.AcquiredAt = time.Unix(0, acquiredNS).UTC()
	l.LastHeartbeatAt = time.Unix(0, beatNS).UTC()
	l.Revision = uint64(revision)
	return &l, nil
}

func isUniqueViolation(err error) bool {
	var mssqlErr mssql.Error
	if !errors.As(err, &mssqlErr) {
		return false
	}
	return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
}
