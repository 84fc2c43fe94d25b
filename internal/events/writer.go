// Package events writes and reads the operational journal. The journal is an
// audit trail of dispatch activity; it is never replayed into datasheets.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeAppended   = "changelog.appended"
	TypeApplied    = "changelog.applied"
	TypeStalled    = "dispatch.stalled"
	TypeResumed    = "dispatch.resumed"
	TypeLinked     = "lookup.linked"
	TypePropagated = "lookup.propagated"
)

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	DatasheetID string `json:"datasheet_id"`
	Revision    int64  `json:"revision"`
	Payload     string `json:"payload_json"`
}

type EventPayload map[string]any

// Writer appends journal events. A Writer without DB discards events.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Enabled() bool { return w.DB != nil }

func (w Writer) Append(ctx context.Context, evtType, datasheetID string, revision int64, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,datasheet_id,revision,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, datasheetID, revision, string(data))
	return err
}

// Filter narrows Latest. Zero values match everything.
type Filter struct {
	DatasheetID string
	Type        string
	BeforeID    int64
	Limit       int
}

// Latest returns events newest first.
func (w Writer) Latest(ctx context.Context, f Filter) ([]Event, error) {
	if w.DB == nil {
		return []Event{}, nil
	}
	var (
		clauses []string
		args    []any
	)
	if f.DatasheetID != "" {
		clauses = append(clauses, "datasheet_id=?")
		args = append(args, f.DatasheetID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id,ts,type,datasheet_id,revision,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DatasheetID, &e.Revision, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
