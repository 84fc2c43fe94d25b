package app

import (
	"context"
	"testing"

	"sheetsync/internal/command"
	"sheetsync/internal/config"
	"sheetsync/internal/events"
)

func TestBootstrapDefault(t *testing.T) {
	ctx := context.Background()
	rt, err := Bootstrap(ctx, config.Default(), Options{InMemoryJournal: true})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()

	// rcd1.lookup1 starts empty, so the link appends an initial sync
	if head := rt.Engine.Log.Head("1"); head != 1 {
		t.Fatalf("expected initial lookup sync, head=%d", head)
	}
	rt.Engine.Drain(ctx)

	ds, err := rt.Engine.Datasheet(ctx, "1")
	if err != nil {
		t.Fatalf("datasheet: %v", err)
	}
	if got := ds.Records["rcd1"].Data["lookup1"]; got != "b3" {
		t.Fatalf("unexpected lookup1 %q", got)
	}
	if rows := ds.DefaultView().Rows; len(rows) != 2 || rows[0] != "rcd1" {
		t.Fatalf("unexpected view %v", rows)
	}

	if _, err := rt.Engine.Submit(ctx, "2", command.Raw{Type: command.TypeUpdateCellValue, Args: []string{"rcd3", "text2", "b3-new"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rt.Engine.Drain(ctx)
	rec, err := rt.Engine.Record(ctx, "1", "rcd1")
	if err != nil || rec.Data["lookup1"] != "b3-new" {
		t.Fatalf("propagation failed: %+v %v", rec, err)
	}

	propagated, err := rt.Engine.Journal.Latest(ctx, events.Filter{Type: events.TypePropagated})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(propagated) != 2 {
		t.Fatalf("expected initial and live propagation events, got %d", len(propagated))
	}
}

func TestBuildDatasheetSortsUnviewedRecords(t *testing.T) {
	d, err := BuildDatasheet(config.DatasheetConfig{
		ID:      "x",
		Fields:  map[string]config.FieldConfig{"f": {Type: "text"}},
		Records: map[string]map[string]string{"b": {"f": "2"}, "a": {"f": "1"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rows := d.DefaultView().Rows
	if len(rows) != 2 || rows[0] != "a" || rows[1] != "b" {
		t.Fatalf("unexpected rows %v", rows)
	}
	if d.Revision != 0 {
		t.Fatalf("seeded datasheet must start at revision 0")
	}
}
