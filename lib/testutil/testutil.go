package testutil

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

// OpenDB opens a sqlite file under the test's temp dir and applies `schema`
// if it is not empty. The database is closed when the test finishes.
func OpenDB(t testing.TB, schema string) *sql.DB {
	t.Helper()

	database, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		database.Close()
	})

	if schema == "" {
		return database
	}
	_, err = database.Exec(schema)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		t.Fatal(err)
	}
	return database
}
