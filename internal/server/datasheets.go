package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"sheetsync/internal/command"
	"sheetsync/internal/engine"
	"sheetsync/internal/events"
	"sheetsync/internal/lookup"
)

type datasheetPath struct {
	DatasheetID string `path:"datasheet_id"`
}

func registerDatasheets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-datasheet",
		Method:      http.MethodGet,
		Path:        "/datasheets/{datasheet_id}",
		Summary:     "Get datasheet with lookup cells resolved",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *datasheetPath) (*struct {
		Body DatasheetResponse `json:"body"`
	}, error) {
		d, err := e.Datasheet(ctx, input.DatasheetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasheetResponse `json:"body"`
		}{Body: datasheetResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/datasheets/{datasheet_id}/records/{record_id}",
		Summary:     "Get raw record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DatasheetID string `path:"datasheet_id"`
		RecordID    string `path:"record_id"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		rec, err := e.Record(ctx, input.DatasheetID, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: RecordResponse{ID: input.RecordID, Data: rec.Data}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-changelog",
		Method:      http.MethodGet,
		Path:        "/datasheets/{datasheet_id}/changelog",
		Summary:     "List changelog entries after a revision",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DatasheetID string `path:"datasheet_id"`
		Revision    int64  `query:"revision" minimum:"0"`
	}) (*struct {
		Body ChangeLogListResponse `json:"body"`
	}, error) {
		entries, err := e.EntriesSince(input.DatasheetID, input.Revision)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ChangeLogListResponse{Items: make([]ChangeLogResponse, 0, len(entries))}
		for _, entry := range entries {
			resp.Items = append(resp.Items, changeLogResponse(entry))
		}
		return &struct {
			Body ChangeLogListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-datasheet-status",
		Method:      http.MethodGet,
		Path:        "/datasheets/{datasheet_id}/status",
		Summary:     "Dispatch status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *datasheetPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := e.Status(input.DatasheetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-datasheet",
		Method:      http.MethodPost,
		Path:        "/datasheets/{datasheet_id}/resume",
		Summary:     "Clear a dispatch stall",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *datasheetPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := e.Resume(ctx, input.DatasheetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: st}, nil
	})
}

func registerCommands(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-command",
		Method:      http.MethodPost,
		Path:        "/commands",
		Summary:     "Append a command to a datasheet log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SubmitCommandRequest
	}) (*struct {
		Body SubmitCommandResponse `json:"body"`
	}, error) {
		entry, err := e.Submit(ctx, input.Body.DatasheetID, command.Raw{Type: input.Body.Type, Args: input.Body.Args})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitCommandResponse `json:"body"`
		}{Body: SubmitCommandResponse{Success: true, DatasheetID: entry.DatasheetID, Revision: entry.Revision}}, nil
	})
}

func registerLookups(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-lookup",
		Method:      http.MethodPost,
		Path:        "/lookups",
		Summary:     "Link a lookup cell to a target cell",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateLinkRequest
	}) (*struct {
		Body LinkResponse `json:"body"`
	}, error) {
		created, err := e.CreateLink(ctx, input.Body.Dependent, input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LinkResponse `json:"body"`
		}{Body: LinkResponse{
			Created: created,
			Link:    lookup.Link{Dependent: input.Body.Dependent, Target: input.Body.Target},
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lookups",
		Method:      http.MethodGet,
		Path:        "/lookups",
		Summary:     "List lookup links",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LinkListResponse `json:"body"`
	}, error) {
		return &struct {
			Body LinkListResponse `json:"body"`
		}{Body: LinkListResponse{Items: e.Lookups.Links()}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DatasheetID string `query:"datasheet_id"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Journal.Latest(ctx, events.Filter{
			DatasheetID: input.DatasheetID,
			Type:        input.Type,
			BeforeID:    cursorID,
			Limit:       limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
