package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"sheetsync/internal/command"
	"sheetsync/internal/engine"
	"sheetsync/internal/hub"
)

const (
	defaultPingInterval = 30 * time.Second
	syncWriteTimeout    = 10 * time.Second
	syncBufferSize      = 4096
	// maxSyncFrame bounds inbound frames; clients only send SyncRequests.
	maxSyncFrame = 1024
)

// SyncRequest is the frame a client sends to follow a datasheet. Entries
// with revision greater than Revision are replayed before live entries. A
// second request for the same datasheet on one socket replaces the first.
type SyncRequest struct {
	DatasheetID string `json:"datasheetId"`
	Revision    int64  `json:"revision"`
}

// SyncError is sent when a SyncRequest cannot be honored. The connection
// stays open.
type SyncError struct {
	Error apiErrorBody `json:"error"`
}

type syncHandler struct {
	engine       *engine.Engine
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func newSyncHandler(e *engine.Engine, pingInterval time.Duration) *syncHandler {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &syncHandler{
		engine:       e,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  syncBufferSize,
			WriteBufferSize: syncBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// syncConn serializes writes from the subscriptions sharing one socket.
type syncConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *syncConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(syncWriteTimeout))
	return c.ws.WriteJSON(v)
}

func (c *syncConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(syncWriteTimeout))
}

func (c *syncConn) Send(entry command.ChangeLog) error {
	return c.writeJSON(entry)
}

func (h *syncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sync]upgrade error = %s", err)
		return
	}
	ws.SetReadLimit(maxSyncFrame)
	conn := &syncConn{ws: ws}
	remote := r.RemoteAddr
	glog.V(2).Infof("[sync]open %s", remote)

	subs := make(map[string]*hub.Subscription)
	done := make(chan struct{})
	defer func() {
		close(done)
		for _, s := range subs {
			h.engine.Unsubscribe(s)
		}
		ws.Close()
		glog.V(2).Infof("[sync]close %s subscriptions=%d", remote, len(subs))
	}()

	go func() {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					glog.V(2).Infof("[sync]ping %s error = %s", remote, err)
					return
				}
			}
		}
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || (ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway) {
				glog.V(2).Infof("[sync]%s<- error = %s", remote, err)
			}
			return
		}
		var req SyncRequest
		if err := json.Unmarshal(message, &req); err != nil || req.DatasheetID == "" {
			if err := conn.writeJSON(SyncError{Error: apiErrorBody{Code: "bad_request", Message: "expected {datasheetId, revision}"}}); err != nil {
				return
			}
			continue
		}
		if req.Revision < 0 {
			req.Revision = 0
		}
		if prev, ok := subs[req.DatasheetID]; ok {
			h.engine.Unsubscribe(prev)
			delete(subs, req.DatasheetID)
		}
		s, err := h.engine.Subscribe(req.DatasheetID, req.Revision, conn)
		if err != nil {
			body := apiErrorBody{Code: "internal_error", Message: err.Error()}
			var apiErr *apiError
			if errors.As(handleError(err), &apiErr) {
				body = apiErr.Body
			}
			if err := conn.writeJSON(SyncError{Error: body}); err != nil {
				return
			}
			continue
		}
		subs[req.DatasheetID] = s
		glog.V(2).Infof("[sync]%s follows %s from %d", remote, req.DatasheetID, req.Revision)
	}
}
