package engine

import (
	"context"
	"errors"

	"github.com/golang/glog"

	"sheetsync/internal/command"
	"sheetsync/internal/domain"
	"sheetsync/internal/events"
	"sheetsync/internal/lookup"
	"sheetsync/internal/repo"
)

// ResolvedDatasheet is a snapshot whose Lookup cells hold the current target
// value. Cells that could not be followed are dropped from the record and
// listed in Unresolved; cells with no link are dropped without a listing.
type ResolvedDatasheet struct {
	*domain.Datasheet
	Unresolved []domain.UnresolvedLookupError
}

// Datasheet returns the applied state with Lookup cells resolved through the
// record store.
func (e *Engine) Datasheet(ctx context.Context, datasheetID string) (ResolvedDatasheet, error) {
	sheet, err := e.Sheets.Sheet(datasheetID)
	if err != nil {
		return ResolvedDatasheet{}, err
	}
	snap := sheet.Snapshot()
	out := ResolvedDatasheet{Datasheet: snap, Unresolved: []domain.UnresolvedLookupError{}}
	for _, recordID := range orderedRecords(snap) {
		rec := snap.Records[recordID]
		for fieldID, f := range snap.Fields {
			if !f.IsLookup() {
				continue
			}
			coord := lookup.Coord{DatasheetID: datasheetID, RecordID: recordID, FieldID: fieldID}
			if _, linked := e.Lookups.Target(coord); !linked {
				// nothing to mirror yet
				delete(rec.Data, fieldID)
				continue
			}
			value, err := e.ResolveLookup(ctx, coord)
			if err != nil {
				var unresolved domain.UnresolvedLookupError
				if !errors.As(err, &unresolved) {
					return ResolvedDatasheet{}, err
				}
				delete(rec.Data, fieldID)
				out.Unresolved = append(out.Unresolved, unresolved)
				continue
			}
			rec.Data[fieldID] = value
		}
	}
	return out, nil
}

// orderedRecords lists record ids in default view order, then any record
// missing from the view.
func orderedRecords(d *domain.Datasheet) []string {
	ids := make([]string, 0, len(d.Records))
	seen := make(map[string]bool, len(d.Records))
	for _, id := range d.DefaultView().Rows {
		if _, ok := d.Records[id]; ok && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	for id := range d.Records {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// ResolveLookup follows a lookup cell's link into the target datasheet.
func (e *Engine) ResolveLookup(ctx context.Context, coord lookup.Coord) (string, error) {
	target, ok := e.Lookups.Target(coord)
	if !ok {
		return "", domain.UnresolvedLookupError{DatasheetID: coord.DatasheetID, RecordID: coord.RecordID, FieldID: coord.FieldID, Reason: "not linked"}
	}
	rec, err := e.Sheets.GetRecord(ctx, target.DatasheetID, target.RecordID)
	if err != nil {
		var unknownDS domain.UnknownDatasheetError
		if errors.Is(err, repo.ErrNotFound) || errors.As(err, &unknownDS) {
			return "", domain.UnresolvedLookupError{
				DatasheetID: coord.DatasheetID,
				RecordID:    coord.RecordID,
				FieldID:     coord.FieldID,
				Reason:      "target record " + target.DatasheetID + "." + target.RecordID + " not found",
			}
		}
		return "", err
	}
	return rec.Data[target.FieldID], nil
}

// Record returns the raw stored record.
func (e *Engine) Record(ctx context.Context, datasheetID, recordID string) (domain.Record, error) {
	rec, err := e.Sheets.GetRecord(ctx, datasheetID, recordID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Record{}, domain.UnknownRecordError{DatasheetID: datasheetID, RecordID: recordID}
	}
	return rec, err
}

// EntriesSince returns log entries with revision greater than revision,
// including entries not yet applied.
func (e *Engine) EntriesSince(datasheetID string, revision int64) ([]command.ChangeLog, error) {
	if _, err := e.Sheets.Sheet(datasheetID); err != nil {
		return nil, err
	}
	return e.Log.EntriesSince(datasheetID, revision), nil
}

type Status struct {
	DatasheetID string `json:"datasheet_id"`
	Revision    int64  `json:"revision"`
	Head        int64  `json:"head"`
	Pending     int64  `json:"pending"`
	Subscribers int    `json:"subscribers"`
	Stalled     bool   `json:"stalled"`
	StalledAt   int64  `json:"stalled_at,omitempty"`
	StallError  string `json:"stall_error,omitempty"`
}

func (e *Engine) Status(datasheetID string) (Status, error) {
	sheet, err := e.Sheets.Sheet(datasheetID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		DatasheetID: datasheetID,
		Revision:    sheet.Revision(),
		Head:        e.Log.Head(datasheetID),
		Subscribers: e.Hub.Count(datasheetID),
	}
	if st.Head > st.Revision {
		st.Pending = st.Head - st.Revision
	}
	if stall := sheet.Stall(); stall != nil {
		st.Stalled = true
		st.StalledAt = stall.Revision
		st.StallError = stall.Err.Error()
	}
	return st, nil
}

func (e *Engine) Stalls() []Status {
	var out []Status
	for _, id := range e.Sheets.IDs() {
		st, err := e.Status(id)
		if err == nil && st.Stalled {
			out = append(out, st)
		}
	}
	return out
}

// Resume clears a stall so the next dispatch retries the failed entry.
func (e *Engine) Resume(ctx context.Context, datasheetID string) (Status, error) {
	sheet, err := e.Sheets.Sheet(datasheetID)
	if err != nil {
		return Status{}, err
	}
	var cleared *repo.Stall
	sheet.Write(func(_ *domain.Datasheet, stall **repo.Stall) {
		cleared = *stall
		*stall = nil
	})
	if cleared != nil {
		glog.Infof("[engine]resume %s at revision %d", datasheetID, cleared.Revision)
		e.journal(ctx, events.TypeResumed, datasheetID, cleared.Revision, events.EventPayload{"error": cleared.Err.Error()})
		e.notify(datasheetID)
	}
	return e.Status(datasheetID)
}
