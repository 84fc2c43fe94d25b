// Package app turns a configuration into a running sync engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/golang/glog"

	"sheetsync/internal/config"
	"sheetsync/internal/db"
	"sheetsync/internal/domain"
	"sheetsync/internal/engine"
	"sheetsync/internal/events"
	"sheetsync/internal/hub"
	"sheetsync/internal/lookup"
	"sheetsync/internal/metrics"
	"sheetsync/internal/migrate"
)

type Options struct {
	Workspace string
	// InMemoryJournal keeps the journal in a private in-memory database.
	InMemoryJournal bool
}

// Runtime is a seeded engine plus the resources it holds.
type Runtime struct {
	Engine  *engine.Engine
	Metrics *metrics.Metrics
	Config  *config.Config
	DB      *sql.DB
}

func (r *Runtime) Close() error {
	r.Engine.Close()
	if r.DB != nil {
		return r.DB.Close()
	}
	return nil
}

// Bootstrap builds the engine, seeds datasheets, creates configured lookup
// links and registers webhook subscribers. Initial lookup syncs are appended
// but not dispatched; the caller runs or drains the engine.
func Bootstrap(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Metrics: metrics.New()}

	var journal events.Writer
	if cfg.Journal.Enabled {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace, InMemory: opts.InMemoryJournal})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		rt.DB = conn
		journal = events.Writer{DB: conn}
	}

	rt.Engine = engine.New(engine.Options{
		Interval:    cfg.Dispatch.Interval,
		EventDriven: cfg.EventDriven(),
		Journal:     journal,
		Metrics:     rt.Metrics,
	})
	for _, seed := range cfg.Datasheets {
		d, err := BuildDatasheet(seed)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := rt.Engine.AddDatasheet(d); err != nil {
			rt.Close()
			return nil, err
		}
	}
	for _, l := range cfg.Lookups {
		seed, _ := cfg.Datasheet(l.DatasheetID)
		f := seed.Fields[l.FieldID]
		dependent := lookup.Coord{DatasheetID: l.DatasheetID, RecordID: l.RecordID, FieldID: l.FieldID}
		target := lookup.Coord{DatasheetID: f.DatasheetID, RecordID: l.TargetRecordID, FieldID: f.FieldID}
		if _, err := rt.Engine.CreateLink(ctx, dependent, target); err != nil {
			rt.Close()
			return nil, fmt.Errorf("lookup %s: %w", dependent, err)
		}
	}
	for _, w := range cfg.Webhooks {
		if !w.IsEnabled() {
			continue
		}
		if _, err := rt.Engine.Subscribe(w.DatasheetID, 0, hub.NewWebhook(w.URL, w.Secret, w.Timeout)); err != nil {
			rt.Close()
			return nil, fmt.Errorf("webhook %s: %w", w.URL, err)
		}
		glog.Infof("[app]webhook %s subscribed to datasheet %s", w.URL, w.DatasheetID)
	}
	glog.Infof("[app]bootstrapped datasheets=%d lookups=%d journal=%v", len(cfg.Datasheets), len(cfg.Lookups), rt.DB != nil)
	return rt, nil
}

// BuildDatasheet converts a seed into a datasheet at revision 0.
func BuildDatasheet(seed config.DatasheetConfig) (*domain.Datasheet, error) {
	d := domain.NewDatasheet(seed.ID)
	for id, f := range seed.Fields {
		field := domain.Field{Type: domain.FieldType(f.Type), DatasheetID: f.DatasheetID, FieldID: f.FieldID}
		if err := field.Validate(); err != nil {
			return nil, fmt.Errorf("datasheet %s field %s: %w", seed.ID, id, err)
		}
		d.Fields[id] = field
	}
	for id, data := range seed.Records {
		rec := domain.Record{Data: make(map[string]string, len(data))}
		for k, v := range data {
			rec.Data[k] = v
		}
		d.Records[id] = rec
	}
	if len(seed.Views) == 0 {
		ids := make([]string, 0, len(seed.Records))
		for id := range seed.Records {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		d.Views = []domain.View{{Rows: ids}}
		return d, nil
	}
	d.Views = make([]domain.View, 0, len(seed.Views))
	for _, rows := range seed.Views {
		d.Views = append(d.Views, domain.View{Rows: append([]string{}, rows...)})
	}
	return d, nil
}
