package server

import (
	"encoding/json"
	"sort"

	"sheetsync/internal/command"
	"sheetsync/internal/domain"
	"sheetsync/internal/engine"
	"sheetsync/internal/events"
	"sheetsync/internal/lookup"
)

// Request payloads

type SubmitCommandRequest struct {
	DatasheetID string       `json:"datasheetId" minLength:"1"`
	Type        command.Type `json:"type" enum:"CREATE_ROW,UPDATE_CELLVALUE"`
	Args        []string     `json:"args,omitempty"`
}

type CreateLinkRequest struct {
	Dependent lookup.Coord `json:"dependent"`
	Target    lookup.Coord `json:"target"`
}

// Response payloads

type HealthResponse struct {
	Status  string   `json:"status" enum:"ok,degraded"`
	Stalled []string `json:"stalled"`
}

type SubmitCommandResponse struct {
	Success     bool   `json:"success"`
	DatasheetID string `json:"datasheetId"`
	Revision    int64  `json:"revision"`
}

type RecordResponse struct {
	ID   string            `json:"id"`
	Data map[string]string `json:"data"`
}

type UnresolvedLookupResponse struct {
	RecordID string `json:"record_id"`
	FieldID  string `json:"field_id"`
	Reason   string `json:"reason"`
}

// DatasheetResponse carries the default view rows in order with Lookup cells
// already resolved.
type DatasheetResponse struct {
	ID         string                     `json:"id"`
	Revision   int64                      `json:"revision"`
	FieldMap   map[string]domain.Field    `json:"field_map"`
	Rows       []string                   `json:"rows"`
	Views      []domain.View              `json:"views"`
	Records    []RecordResponse           `json:"records"`
	Unresolved []UnresolvedLookupResponse `json:"unresolved"`
}

type ChangeLogResponse struct {
	DatasheetID string      `json:"datasheetId"`
	Revision    int64       `json:"revision"`
	Command     command.Raw `json:"command"`
}

type ChangeLogListResponse struct {
	Items []ChangeLogResponse `json:"items"`
}

type StatusResponse = engine.Status

type LinkResponse struct {
	Created bool        `json:"created"`
	Link    lookup.Link `json:"link"`
}

type LinkListResponse struct {
	Items []lookup.Link `json:"items"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	DatasheetID string         `json:"datasheet_id"`
	Revision    int64          `json:"revision"`
	Payload     map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func datasheetResponse(d engine.ResolvedDatasheet) DatasheetResponse {
	res := DatasheetResponse{
		ID:         d.ID,
		Revision:   d.Revision,
		FieldMap:   d.Fields,
		Rows:       append([]string{}, d.DefaultView().Rows...),
		Views:      d.Views,
		Records:    make([]RecordResponse, 0, len(d.Records)),
		Unresolved: make([]UnresolvedLookupResponse, 0, len(d.Unresolved)),
	}
	ids := make([]string, 0, len(d.Records))
	for id := range d.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res.Records = append(res.Records, RecordResponse{ID: id, Data: d.Records[id].Data})
	}
	for _, u := range d.Unresolved {
		res.Unresolved = append(res.Unresolved, UnresolvedLookupResponse{RecordID: u.RecordID, FieldID: u.FieldID, Reason: u.Reason})
	}
	return res
}

func changeLogResponse(entry command.ChangeLog) ChangeLogResponse {
	return ChangeLogResponse{
		DatasheetID: entry.DatasheetID,
		Revision:    entry.Revision,
		Command:     command.Encode(entry.Command),
	}
}

func eventResponse(e events.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		DatasheetID: e.DatasheetID,
		Revision:    e.Revision,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
