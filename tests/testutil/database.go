// Package testutil provides test database helpers. Tests run against an
// embedded SQLite file so no external services are required.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/pressmill/pdf-compress-service/internal/ledger"
)

// OpenTestDB opens a fresh migrated SQLite database in a test-scoped
// temporary directory. The connection is closed when the test ends.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}
	if err := ledger.Migrate(db, "sqlite"); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

// CountRows counts rows in a table matching a condition.
func CountRows(t *testing.T, db *sql.DB, table, condition string) int {
	t.Helper()

	var count int
	query := "SELECT COUNT(*) FROM " + table + " WHERE " + condition
	if err := db.QueryRow(query).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows in %s: %v", table, err)
	}
	return count
}
