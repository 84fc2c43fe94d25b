package sheetsyncsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sheetsync/internal/app"
	"sheetsync/internal/config"
	"sheetsync/internal/server"
	sheetsyncsdk "sheetsync/sdk/go"
)

func newClient(t *testing.T) *sheetsyncsdk.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Dispatch.Interval = 20 * time.Millisecond
	rt, err := app.Bootstrap(context.Background(), cfg, app.Options{InMemoryJournal: true})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go rt.Engine.Run(ctx)
	handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		rt.Close()
	})
	return sheetsyncsdk.New(srv.URL)
}

func TestClientSubmitAndFetch(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	res, err := c.UpdateCellValue(ctx, "2", "rcd3", "text2", "hello")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !res.Success || res.DatasheetID != "2" || res.Revision != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	_, err = c.UpdateCellValue(ctx, "2", "rcd9", "text2", "x")
	var apiErr *sheetsyncsdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := c.Record(ctx, "1", "rcd1")
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if rec.Data["lookup1"] == "hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lookup not propagated: %+v", rec)
		}
		time.Sleep(20 * time.Millisecond)
	}

	entries, err := c.Changelog(ctx, "2", 0)
	if err != nil {
		t.Fatalf("changelog: %v", err)
	}
	if len(entries) != 1 || entries[0].Command.Type != sheetsyncsdk.CommandUpdateCellValue {
		t.Fatalf("unexpected changelog %+v", entries)
	}

	st, err := c.Status(ctx, "1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Stalled || st.Head < 2 {
		t.Fatalf("unexpected status %+v", st)
	}

	links, err := c.Links(ctx)
	if err != nil || len(links) != 1 {
		t.Fatalf("links = %+v, err = %v", links, err)
	}
}

func TestClientWatch(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan sheetsyncsdk.ChangeLog, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, "1", 0, func(entry sheetsyncsdk.ChangeLog) error {
			got <- entry
			if entry.Revision >= 2 {
				return sheetsyncsdk.ErrStop
			}
			return nil
		})
	}()

	// Revision 1 is the initial lookup sync; revision 2 comes from the update.
	first := <-got
	if first.Revision != 1 || first.Command.Type != sheetsyncsdk.CommandUpdateCellValue {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if _, err := c.UpdateCellValue(ctx, "2", "rcd3", "text2", "live"); err != nil {
		t.Fatalf("update: %v", err)
	}
	second := <-got
	if second.Revision != 2 || second.Command.Args[2] != "live" {
		t.Fatalf("unexpected second entry %+v", second)
	}
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}

func TestClientWatchUnknownDatasheet(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Watch(ctx, "nope", 0, func(sheetsyncsdk.ChangeLog) error { return nil })
	var syncErr *sheetsyncsdk.SyncError
	if !errors.As(err, &syncErr) || syncErr.Code != "unknown_datasheet" {
		t.Fatalf("expected unknown_datasheet, got %v", err)
	}
}
