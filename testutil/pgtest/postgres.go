// Package pgtest opens migrated Postgres databases for tests. It lives apart from testutil
// because it imports db, which imports chat, whose tests use testutil.
package pgtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/LucetTin5/chzzk-timeline/db"
)

// SetupTestDB connects to TEST_PG_DSN, drops every table and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	for _, table := range []string{"chat_sessions", "chat", "channel", "schema_migrations"} {
		if _, err := database.ExecContext(ctx, `DROP TABLE IF EXISTS `+table+` CASCADE`); err != nil {
			t.Fatalf("failed to drop %s: %v", table, err)
		}
	}
	if err := db.RunMigrations(database); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return database
}
