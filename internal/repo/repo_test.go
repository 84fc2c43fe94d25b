package repo

import (
	"context"
	"errors"
	"testing"

	"sheetsync/internal/domain"
)

func TestGetRecord(t *testing.T) {
	r := New()
	ds := domain.NewDatasheet("2")
	ds.InsertRecord("rcd3")
	if err := ds.SetCell("rcd3", "text2", "b3"); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	if err := r.Insert(ds); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.Insert(domain.NewDatasheet("2")); err == nil {
		t.Fatalf("expected duplicate datasheet error")
	}

	rec, err := r.GetRecord(context.Background(), "2", "rcd3")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Data["text2"] != "b3" {
		t.Fatalf("unexpected value %q", rec.Data["text2"])
	}
	rec.Data["text2"] = "mutated"
	again, _ := r.GetRecord(context.Background(), "2", "rcd3")
	if again.Data["text2"] != "b3" {
		t.Fatalf("record copy leaked into store")
	}

	if _, err := r.GetRecord(context.Background(), "2", "rcd9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var unknown domain.UnknownDatasheetError
	if _, err := r.GetRecord(context.Background(), "9", "rcd3"); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownDatasheetError, got %v", err)
	}
}

func TestIDsSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"b", "a", "c"} {
		if err := r.Insert(domain.NewDatasheet(id)); err != nil {
			t.Fatal(err)
		}
	}
	ids := r.IDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected ids %v", ids)
	}
}
