package migrate

import (
	"context"
	"testing"

	"sheetsync/internal/db"
)

func TestMigrateSetsUserVersion(t *testing.T) {
	conn, err := db.Open(db.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	version, err := Migrate(ctx, conn)
	if err != nil || version != 1 {
		t.Fatalf("migrate: version=%d err=%v", version, err)
	}
	var stored int
	if err := conn.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&stored); err != nil || stored != 1 {
		t.Fatalf("user_version=%d err=%v", stored, err)
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE name='schema_version'`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("unexpected bookkeeping table: n=%d err=%v", n, err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO events(ts, type, datasheet_id) VALUES ('t', 'x', '1')`); err != nil {
		t.Fatalf("events table missing: %v", err)
	}

	again, err := Migrate(ctx, conn)
	if err != nil || again != 1 {
		t.Fatalf("re-migrate: version=%d err=%v", again, err)
	}
}

func TestScriptsAfterSkipsApplied(t *testing.T) {
	all, err := scriptsAfter(0)
	if err != nil || len(all) == 0 || all[0].version != 1 || all[0].name != "0001_journal.sql" {
		t.Fatalf("scripts = %+v, err = %v", all, err)
	}
	none, err := scriptsAfter(all[len(all)-1].version)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected nothing pending, got %+v %v", none, err)
	}
}
