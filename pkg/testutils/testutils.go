// Package testutils provides small helpers shared by package tests that
// need a real MySQL connection: a DSN pulled from the environment (with
// a sane local default) and a fail-fast RunSQL helper for fixture setup.
package testutils

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
)

// DSN returns the MySQL DSN tests should connect with. It honors
// MYSQL_DSN so CI can point at a service container; otherwise it
// defaults to a local root connection against the "test" schema.
func DSN() string {
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		return dsn
	}
	return "root@tcp(127.0.0.1:3306)/test"
}

// RunSQL executes stmt against DSN() and fails the test immediately if it
// errors. It's meant for fixture setup/teardown in _test.go files, not
// for asserting behavior.
func RunSQL(t *testing.T, stmt string) {
	t.Helper()
	db, err := sql.Open("mysql", DSN())
	if err != nil {
		t.Fatalf("testutils: opening DSN: %v", err)
	}
	defer CloseAndLog(db)
	if _, err := db.ExecContext(context.Background(), stmt); err != nil {
		t.Fatalf("testutils: running %q: %v", stmt, err)
	}
}

// CloseAndLog closes db, discarding the error. It's a defer-friendly
// no-op-on-failure close for test cleanup paths where a close failure
// isn't actionable.
func CloseAndLog(db *sql.DB) {
	_ = db.Close()
}
