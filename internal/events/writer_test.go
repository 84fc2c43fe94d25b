package events_test

import (
	"context"
	"testing"
	"time"

	"sheetsync/internal/db"
	"sheetsync/internal/events"
	"sheetsync/internal/migrate"
)

func newWriter(t *testing.T) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	version, err := migrate.Migrate(context.Background(), conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if version < 1 {
		t.Fatalf("unexpected schema version %d", version)
	}
	if again, err := migrate.Migrate(context.Background(), conn); err != nil || again != version {
		t.Fatalf("re-migrate: %d %v", again, err)
	}
	return events.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestAppendAndLatest(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	if err := w.Append(ctx, events.TypeAppended, "1", 1, events.EventPayload{"type": "CREATE_ROW"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, events.TypeApplied, "1", 1, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, events.TypeStalled, "2", 4, events.EventPayload{"error": "unknown record"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := w.Latest(ctx, events.Filter{})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(all) != 3 || all[0].Type != events.TypeStalled {
		t.Fatalf("unexpected events %+v", all)
	}
	if all[0].TS != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected ts %s", all[0].TS)
	}

	ds1, err := w.Latest(ctx, events.Filter{DatasheetID: "1", Limit: 1})
	if err != nil {
		t.Fatalf("latest ds1: %v", err)
	}
	if len(ds1) != 1 || ds1[0].Type != events.TypeApplied {
		t.Fatalf("unexpected ds1 events %+v", ds1)
	}
	older, err := w.Latest(ctx, events.Filter{DatasheetID: "1", BeforeID: ds1[0].ID})
	if err != nil {
		t.Fatalf("latest older: %v", err)
	}
	if len(older) != 1 || older[0].Payload != `{"type":"CREATE_ROW"}` {
		t.Fatalf("unexpected older events %+v", older)
	}
}

func TestDisabledWriterDiscards(t *testing.T) {
	var w events.Writer
	if err := w.Append(context.Background(), events.TypeApplied, "1", 1, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	items, err := w.Latest(context.Background(), events.Filter{})
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty journal, got %v %v", items, err)
	}
}
