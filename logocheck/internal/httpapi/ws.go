package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hazyhaar/logocheck/logocheck/internal/progress"
)

// writeTimeout bounds how long a single outbound frame write may take,
// grounded on estuary-flow's ws_api.go wsWriteTimeout constant.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsHandle adapts a *websocket.Conn to progress.Handle.
type wsHandle struct {
	conn *websocket.Conn
}

func (h *wsHandle) Send(ev progress.Event) error {
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteJSON(ev)
}

func (h *wsHandle) Close() error {
	deadline := time.Now().Add(writeTimeout)
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = h.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	return h.conn.Close()
}

type heartbeatFrame struct {
	Event string `json:"event"`
	TS    int64  `json:"ts"`
}

// serveClientWS upgrades /ws/{client_id}: the hub attaches this connection
// as the client's delivery handle, and a read pump turns inbound
// heartbeats into Touch calls and heartbeat_ack replies (spec §4.4, §6.1).
// The default close handler is replaced with a no-op (grounded on
// estuary-flow's ws_api.go SetCloseHandler override), so no close frame is
// echoed; when the read pump ends, the connection stays attached until a
// failed send or Prune drops the client and closes it.
func (s *Server) serveClientWS(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("httpapi: ws upgrade failed", "client_id", clientID, "error", err)
		return
	}
	handle := &wsHandle{conn: conn}
	s.hub.Attach(clientID, handle)
	conn.SetCloseHandler(func(code int, text string) error { return nil })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.hub.Touch(clientID)

		var frame heartbeatFrame
		if json.Unmarshal(data, &frame) == nil && frame.Event == "heartbeat" {
			_ = handle.Send(progress.Event{Type: progress.EventHeartbeatAck, TS: frame.TS})
		}
	}
}

// serveBatchWS upgrades /ws/batch/{batch_id}: a convenience subscription
// that mints an ephemeral client id bound to exactly one batch.
func (s *Server) serveBatchWS(w http.ResponseWriter, r *http.Request, batchID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("httpapi: ws upgrade failed", "batch_id", batchID, "error", err)
		return
	}
	clientID := s.newClientID()
	handle := &wsHandle{conn: conn}
	s.hub.Attach(clientID, handle)
	s.hub.Bind(batchID, clientID)
	conn.SetCloseHandler(func(code int, text string) error { return nil })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.hub.Touch(clientID)

		var frame heartbeatFrame
		if json.Unmarshal(data, &frame) == nil && frame.Event == "heartbeat" {
			_ = handle.Send(progress.Event{Type: progress.EventHeartbeatAck, TS: frame.TS})
		}
	}
}
