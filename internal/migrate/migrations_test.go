package migrate_test

import (
	"testing"

	"bulkline/internal/db"
	"bulkline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	for _, table := range []string{"jobs", "accounts", "runs", "activity", "api_keys"} {
		var n int
		err := conn.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		if err != nil {
			t.Fatalf("inspect schema: %v", err)
		}
		if n != 1 {
			t.Fatalf("table %s missing after migrate", table)
		}
	}

	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if applied == 0 {
		t.Fatal("ledger empty after migrate")
	}
}
