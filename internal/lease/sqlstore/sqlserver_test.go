//go:build integration

package sqlstore

import (
	"os"
	"testing"

	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/lease/storetest"
)

// openSQLServer connects to LEASEKEEPER_TEST_SQLSERVER_DSN and empties the
// lease table so each subtest starts clean.
func openSQLServer(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LEASEKEEPER_TEST_SQLSERVER_DSN")
	if dsn == "" {
		t.Skip("LEASEKEEPER_TEST_SQLSERVER_DSN not set")
	}
	s, err := OpenSQLServer(dsn)
	if err != nil {
		t.Skipf("SQL Server not available: %v", err)
	}
	if _, err := s.db.Exec("DELETE FROM " + s.table); err != nil {
		_ = s.Close()
		t.Fatalf("clear lease table: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLServer_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) lease.Store {
		return openSQLServer(t)
	})
}
