package engine

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"sheetsync/internal/command"
	"sheetsync/internal/domain"
	"sheetsync/internal/events"
	"sheetsync/internal/lookup"
	"sheetsync/internal/repo"
)

// notify marks the datasheet as having new entries and wakes Run.
func (e *Engine) notify(datasheetID string) {
	if !e.EventDriven || e.wake == nil {
		return
	}
	e.wakeMu.Lock()
	e.pending[datasheetID] = struct{}{}
	e.wakeMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) takePending() []string {
	e.wakeMu.Lock()
	defer e.wakeMu.Unlock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.pending = make(map[string]struct{})
	return ids
}

// Run dispatches every Interval and, when EventDriven, as soon as entries are
// appended. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	glog.Infof("[engine]dispatcher started interval=%s event_driven=%v", e.Interval, e.EventDriven)
	for {
		select {
		case <-ctx.Done():
			glog.Infof("[engine]dispatcher stopped")
			return
		case <-ticker.C:
			e.DispatchAll(ctx)
		case <-e.wake:
			e.dispatch(ctx, e.takePending())
		}
	}
}

// DispatchAll runs one dispatch pass over every datasheet with a log.
// Datasheets are processed in parallel.
func (e *Engine) DispatchAll(ctx context.Context) {
	e.dispatch(ctx, e.Log.Datasheets())
}

func (e *Engine) dispatch(ctx context.Context, ids []string) {
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.DispatchSheet(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Drain dispatches until no datasheet has pending entries or every remaining
// one is stalled. Propagation can append to other datasheets, so one pass is
// not always enough.
func (e *Engine) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		progressed := false
		for _, id := range e.Log.Datasheets() {
			if e.DispatchSheet(ctx, id) > 0 {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// DispatchSheet applies the datasheet's pending entries in revision order and
// returns how many were applied. An application error stalls the datasheet
// at its last applied revision until Resume.
func (e *Engine) DispatchSheet(ctx context.Context, datasheetID string) int {
	sheet, err := e.Sheets.Sheet(datasheetID)
	if err != nil {
		glog.Warningf("[engine]dispatch %s: %v", datasheetID, err)
		return 0
	}
	start := time.Now()
	applied := 0
	sheet.Write(func(d *domain.Datasheet, stall **repo.Stall) {
		if *stall != nil {
			return
		}
		for _, entry := range e.Log.EntriesSince(datasheetID, d.Revision) {
			if err := command.Apply(d, entry); err != nil {
				*stall = &repo.Stall{Revision: entry.Revision, Err: err}
				glog.Errorf("[engine]dispatch stalled %s at revision %d applying %d: %v", datasheetID, d.Revision, entry.Revision, err)
				e.Metrics.Stalled(datasheetID)
				e.journal(ctx, events.TypeStalled, datasheetID, entry.Revision, events.EventPayload{
					"applied": d.Revision,
					"error":   err.Error(),
				})
				return
			}
			applied++
			e.Metrics.Applied(datasheetID)
			if upd, ok := entry.Command.(command.UpdateCellValue); ok {
				source := lookup.Coord{DatasheetID: datasheetID, RecordID: upd.RecordID, FieldID: upd.FieldID}
				for _, derived := range e.Lookups.OnCellUpdated(datasheetID, upd.RecordID, upd.FieldID, upd.Value) {
					e.propagate(ctx, derived, source)
				}
			}
			e.Hub.Broadcast(datasheetID, entry)
			e.journal(ctx, events.TypeApplied, datasheetID, entry.Revision, events.EventPayload{
				"type": entry.Command.Type(),
			})
		}
	})
	if applied > 0 {
		e.Metrics.ObserveDispatch(time.Since(start))
		glog.V(2).Infof("[engine]dispatched %s entries=%d", datasheetID, applied)
	}
	return applied
}
