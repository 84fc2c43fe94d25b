package sheetsyncsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal Sheetsync HTTP and sync socket client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

const (
	CommandCreateRow       = "CREATE_ROW"
	CommandUpdateCellValue = "UPDATE_CELLVALUE"
)

type Command struct {
	Type string   `json:"type"`
	Args []string `json:"args"`
}

// ChangeLog is one entry of a datasheet log.
type ChangeLog struct {
	DatasheetID string  `json:"datasheetId"`
	Revision    int64   `json:"revision"`
	Command     Command `json:"command"`
}

type SubmitResult struct {
	Success     bool   `json:"success"`
	DatasheetID string `json:"datasheetId"`
	Revision    int64  `json:"revision"`
}

type Field struct {
	Type        string `json:"type"`
	DatasheetID string `json:"datasheet_id,omitempty"`
	FieldID     string `json:"field_id,omitempty"`
}

type Record struct {
	ID   string            `json:"id"`
	Data map[string]string `json:"data"`
}

type View struct {
	Rows []string `json:"rows"`
}

type UnresolvedLookup struct {
	RecordID string `json:"record_id"`
	FieldID  string `json:"field_id"`
	Reason   string `json:"reason"`
}

// Datasheet is a full fetch with lookup cells resolved.
type Datasheet struct {
	ID         string             `json:"id"`
	Revision   int64              `json:"revision"`
	FieldMap   map[string]Field   `json:"field_map"`
	Rows       []string           `json:"rows"`
	Views      []View             `json:"views"`
	Records    []Record           `json:"records"`
	Unresolved []UnresolvedLookup `json:"unresolved"`
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

type Coord struct {
	DatasheetID string `json:"datasheet_id"`
	RecordID    string `json:"record_id"`
	FieldID     string `json:"field_id"`
}

type Link struct {
	Dependent Coord `json:"dependent"`
	Target    Coord `json:"target"`
}

// Event represents a journal entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	DatasheetID string         `json:"datasheet_id"`
	Revision    int64          `json:"revision"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit appends a command to the datasheet's log.
func (c *Client) Submit(ctx context.Context, datasheetID, commandType string, args ...string) (SubmitResult, error) {
	if args == nil {
		args = []string{}
	}
	body := map[string]any{
		"datasheetId": datasheetID,
		"type":        commandType,
		"args":        args,
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.path("commands"), body, &resp)
	return resp, err
}

func (c *Client) CreateRow(ctx context.Context, datasheetID string) (SubmitResult, error) {
	return c.Submit(ctx, datasheetID, CommandCreateRow)
}

func (c *Client) UpdateCellValue(ctx context.Context, datasheetID, recordID, fieldID, value string) (SubmitResult, error) {
	return c.Submit(ctx, datasheetID, CommandUpdateCellValue, recordID, fieldID, value)
}

func (c *Client) Datasheet(ctx context.Context, datasheetID string) (Datasheet, error) {
	var resp Datasheet
	err := c.do(ctx, http.MethodGet, c.path("datasheets/"+url.PathEscape(datasheetID)), nil, &resp)
	return resp, err
}

func (c *Client) Record(ctx context.Context, datasheetID, recordID string) (Record, error) {
	var resp Record
	endpoint := c.path(fmt.Sprintf("datasheets/%s/records/%s", url.PathEscape(datasheetID), url.PathEscape(recordID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Changelog returns entries with revision greater than revision.
func (c *Client) Changelog(ctx context.Context, datasheetID string, revision int64) ([]ChangeLog, error) {
	var resp struct {
		Items []ChangeLog `json:"items"`
	}
	endpoint := c.path(fmt.Sprintf("datasheets/%s/changelog?revision=%d", url.PathEscape(datasheetID), revision))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Status(ctx context.Context, datasheetID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("datasheets/%s/status", url.PathEscape(datasheetID))), nil, &resp)
	return resp, err
}

func (c *Client) Resume(ctx context.Context, datasheetID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("datasheets/%s/resume", url.PathEscape(datasheetID))), nil, &resp)
	return resp, err
}

// CreateLink makes a lookup cell mirror a target cell. created is false when
// the link already existed.
func (c *Client) CreateLink(ctx context.Context, dependent, target Coord) (bool, error) {
	var resp struct {
		Created bool `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, c.path("lookups"), Link{Dependent: dependent, Target: target}, &resp)
	return resp.Created, err
}

func (c *Client) Links(ctx context.Context) ([]Link, error) {
	var resp struct {
		Items []Link `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path("lookups"), nil, &resp)
	return resp.Items, err
}

// EventsPage returns a page of journal events, newest first.
func (c *Client) EventsPage(ctx context.Context, datasheetID, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if datasheetID != "" {
		q.Set("datasheet_id", datasheetID)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.path("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
