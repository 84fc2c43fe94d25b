package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"sheetsync/internal/changelog"
	"sheetsync/internal/command"
	"sheetsync/internal/domain"
	"sheetsync/internal/events"
	"sheetsync/internal/hub"
	"sheetsync/internal/lookup"
	"sheetsync/internal/metrics"
	"sheetsync/internal/repo"
)

// Engine owns every piece of sync state: datasheets, their logs, the lookup
// index and the subscriber hub.
type Engine struct {
	Sheets  *repo.Repo
	Log     *changelog.Log
	Lookups *lookup.Index
	Hub     *hub.Hub
	Journal events.Writer
	Metrics *metrics.Metrics
	Now     func() time.Time

	// Interval is the dispatch period. EventDriven additionally wakes the
	// dispatcher on every append.
	Interval    time.Duration
	EventDriven bool

	wakeMu  sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
}

type Options struct {
	Interval    time.Duration
	EventDriven bool
	Journal     events.Writer
	Metrics     *metrics.Metrics
}

func New(opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Engine{
		Sheets:      repo.New(),
		Log:         changelog.New(),
		Lookups:     lookup.NewIndex(),
		Hub:         hub.New(opts.Metrics),
		Journal:     opts.Journal,
		Metrics:     opts.Metrics,
		Now:         time.Now,
		Interval:    opts.Interval,
		EventDriven: opts.EventDriven,
		pending:     make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AddDatasheet registers d. Its revision must be zero: state only advances
// through the log.
func (e *Engine) AddDatasheet(d *domain.Datasheet) error {
	if d.Revision != 0 {
		return fmt.Errorf("datasheet %s must start at revision 0, has %d", d.ID, d.Revision)
	}
	for id, f := range d.Fields {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("datasheet %s field %s: %w", d.ID, id, err)
		}
	}
	return e.Sheets.Insert(d)
}

// Submit validates raw and appends it to the datasheet's log. Nothing is
// appended when an error is returned.
func (e *Engine) Submit(ctx context.Context, datasheetID string, raw command.Raw) (command.ChangeLog, error) {
	cmd, err := command.Parse(raw)
	if err != nil {
		e.Metrics.Rejected(rejectReason(err))
		return command.ChangeLog{}, err
	}
	sheet, err := e.Sheets.Sheet(datasheetID)
	if err != nil {
		e.Metrics.Rejected(rejectReason(err))
		return command.ChangeLog{}, err
	}
	if upd, ok := cmd.(command.UpdateCellValue); ok {
		if isLookupField(sheet, upd.FieldID) {
			err := domain.LookupWriteError{DatasheetID: datasheetID, RecordID: upd.RecordID, FieldID: upd.FieldID}
			e.Metrics.Rejected(rejectReason(err))
			return command.ChangeLog{}, err
		}
		if !e.recordKnown(sheet, datasheetID, upd.RecordID) {
			err := domain.UnknownRecordError{DatasheetID: datasheetID, RecordID: upd.RecordID}
			e.Metrics.Rejected(rejectReason(err))
			return command.ChangeLog{}, err
		}
	}
	entry := e.append(ctx, datasheetID, cmd)
	e.Metrics.Submitted(string(cmd.Type()))
	return entry, nil
}

func isLookupField(sheet *repo.Sheet, fieldID string) bool {
	lookup := false
	sheet.Read(func(d *domain.Datasheet) {
		f, ok := d.Fields[fieldID]
		lookup = ok && f.IsLookup()
	})
	return lookup
}

// recordKnown reports whether the record is applied or will be created by a
// pending CreateRow. Records are never deleted, so the answer cannot turn
// false before the entry is appended.
func (e *Engine) recordKnown(sheet *repo.Sheet, datasheetID, recordID string) bool {
	known := false
	sheet.Read(func(d *domain.Datasheet) {
		if d.HasRecord(recordID) {
			known = true
			return
		}
		for _, entry := range e.Log.EntriesSince(datasheetID, d.Revision) {
			if _, ok := entry.Command.(command.CreateRow); ok && command.RecordID(datasheetID, entry.Revision) == recordID {
				known = true
				return
			}
		}
	})
	return known
}

func (e *Engine) append(ctx context.Context, datasheetID string, cmd command.Command) command.ChangeLog {
	entry := e.Log.Append(datasheetID, cmd)
	glog.V(2).Infof("[engine]append %s@%d %s", datasheetID, entry.Revision, cmd.Type())
	e.journal(ctx, events.TypeAppended, datasheetID, entry.Revision, events.EventPayload{
		"type": cmd.Type(),
		"args": cmd.Args(),
	})
	e.notify(datasheetID)
	return entry
}

func (e *Engine) journal(ctx context.Context, evtType, datasheetID string, revision int64, payload events.EventPayload) {
	if err := e.Journal.Append(ctx, evtType, datasheetID, revision, payload); err != nil {
		glog.Warningf("[engine]journal %s %s@%d: %v", evtType, datasheetID, revision, err)
	}
}

func rejectReason(err error) string {
	var (
		arity   command.ArgumentArityError
		unknown command.UnknownCommandError
		ds      domain.UnknownDatasheetError
		rec     domain.UnknownRecordError
		lw      domain.LookupWriteError
	)
	switch {
	case errors.As(err, &arity):
		return "argument_arity"
	case errors.As(err, &unknown):
		return "unknown_command"
	case errors.As(err, &ds):
		return "unknown_datasheet"
	case errors.As(err, &rec):
		return "unknown_record"
	case errors.As(err, &lw):
		return "lookup_write"
	default:
		return "other"
	}
}

// InvalidLinkError rejects a link whose dependent cell cannot mirror the
// requested target.
type InvalidLinkError struct {
	Dependent lookup.Coord
	Reason    string
}

func (e InvalidLinkError) Error() string {
	return fmt.Sprintf("invalid lookup link on %s: %s", e.Dependent, e.Reason)
}

// CreateLink makes the dependent lookup cell mirror target. When the link is
// new and the dependent cell differs from the target value, a synthetic
// update is appended so the dependent catches up.
func (e *Engine) CreateLink(ctx context.Context, dependent, target lookup.Coord) (bool, error) {
	sheet, err := e.Sheets.Sheet(dependent.DatasheetID)
	if err != nil {
		return false, err
	}
	var (
		field   domain.Field
		hasF    bool
		hasRec  bool
		current string
	)
	sheet.Read(func(d *domain.Datasheet) {
		field, hasF = d.Fields[dependent.FieldID]
		var rec domain.Record
		rec, hasRec = d.Record(dependent.RecordID)
		current = rec.Data[dependent.FieldID]
	})
	switch {
	case !hasF || !field.IsLookup():
		return false, InvalidLinkError{Dependent: dependent, Reason: "field is not a lookup field"}
	case field.DatasheetID != target.DatasheetID || field.FieldID != target.FieldID:
		return false, InvalidLinkError{Dependent: dependent, Reason: fmt.Sprintf("field mirrors %s.%s", field.DatasheetID, field.FieldID)}
	case !hasRec:
		return false, domain.UnknownRecordError{DatasheetID: dependent.DatasheetID, RecordID: dependent.RecordID}
	}
	targetSheet, err := e.Sheets.Sheet(target.DatasheetID)
	if err != nil {
		return false, err
	}

	// The edge is registered and the target read under the target's lock.
	// Dispatch propagates target updates under its write lock, so either the
	// initial sync below sees the new value or the update sees the edge.
	var (
		created   bool
		linkErr   error
		value     string
		hasTarget bool
	)
	targetSheet.Read(func(td *domain.Datasheet) {
		if _, ok := td.Fields[target.FieldID]; !ok {
			linkErr = InvalidLinkError{Dependent: dependent, Reason: fmt.Sprintf("datasheet %s has no field %s", target.DatasheetID, target.FieldID)}
			return
		}
		created, linkErr = e.Lookups.Link(dependent, target)
		if linkErr != nil || !created {
			return
		}
		var rec domain.Record
		rec, hasTarget = td.Record(target.RecordID)
		value = rec.Data[target.FieldID]
		if hasTarget && value != current {
			e.propagate(ctx, lookup.Derived{
				DatasheetID: dependent.DatasheetID,
				Command:     command.UpdateCellValue{RecordID: dependent.RecordID, FieldID: dependent.FieldID, Value: value},
			}, target)
		}
	})
	if linkErr != nil || !created {
		return created, linkErr
	}
	glog.Infof("[engine]link %s -> %s", dependent, target)
	e.journal(ctx, events.TypeLinked, dependent.DatasheetID, sheet.Revision(), events.EventPayload{
		"dependent": dependent.String(),
		"target":    target.String(),
		"resolved":  hasTarget,
	})
	return true, nil
}

func (e *Engine) propagate(ctx context.Context, d lookup.Derived, source lookup.Coord) command.ChangeLog {
	entry := e.append(ctx, d.DatasheetID, d.Command)
	e.Metrics.Propagated(d.DatasheetID)
	e.journal(ctx, events.TypePropagated, d.DatasheetID, entry.Revision, events.EventPayload{
		"source": source.String(),
		"record": d.Command.RecordID,
		"field":  d.Command.FieldID,
	})
	return entry
}

// Subscribe registers sub for datasheetID and queues, ahead of any live
// entry, every applied entry with a revision greater than revision. Entries
// still pending are delivered live once dispatched. Nothing at or below
// revision is delivered, even when revision is ahead of the applied state.
func (e *Engine) Subscribe(datasheetID string, revision int64, sub hub.Subscriber) (*hub.Subscription, error) {
	sheet, err := e.Sheets.Sheet(datasheetID)
	if err != nil {
		return nil, err
	}
	var s *hub.Subscription
	// Dispatch broadcasts under the sheet lock, so nothing is applied
	// between computing the backlog and registering.
	sheet.Read(func(d *domain.Datasheet) {
		backlog := e.Log.Range(datasheetID, revision, d.Revision)
		s = e.Hub.Subscribe(datasheetID, sub, revision, backlog)
	})
	return s, nil
}

func (e *Engine) Unsubscribe(s *hub.Subscription) {
	e.Hub.Unsubscribe(s)
}

// Close stops every subscription.
func (e *Engine) Close() {
	e.Hub.Close()
}
