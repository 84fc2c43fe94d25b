package sheetsyncsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// SyncError is an error frame returned by the sync socket.
type SyncError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error: %s: %s", e.Code, e.Message)
}

// ErrStop can be returned from a Watch callback to end the watch without error.
var ErrStop = errors.New("stop watching")

type syncFrame struct {
	ChangeLog
	Error *SyncError `json:"error,omitempty"`
}

// Watch follows datasheetID from revision. Entries with a greater revision
// are delivered to fn in order, backlog first then live. Watch returns when
// ctx is done, fn returns an error, or the server rejects the request.
func (c *Client) Watch(ctx context.Context, datasheetID string, revision int64, fn func(ChangeLog) error) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: c.Timeout}
	}
	ws, resp, err := dialer.DialContext(ctx, c.syncURL(), http.Header{})
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return err
	}
	defer ws.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	if err := ws.WriteJSON(map[string]any{"datasheetId": datasheetID, "revision": revision}); err != nil {
		return err
	}
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var frame syncFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			return err
		}
		if frame.Error != nil {
			return frame.Error
		}
		if err := fn(frame.ChangeLog); err != nil {
			if errors.Is(err, ErrStop) {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			return err
		}
	}
}

func (c *Client) syncURL() string {
	base := c.base()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/sync"
}
