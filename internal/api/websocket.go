package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/XTFG/nezha-dash-v1/internal/logging"
	"github.com/XTFG/nezha-dash-v1/internal/session"
)

var wsLogger = logging.New("websocket")

// WebSocket message types for the live feed
const (
	// Client -> Server messages
	MsgTypePing      = "ping"
	MsgTypeKeepAlive = "keepalive"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeUpdate    = "update"
	MsgTypeError     = "error"
	MsgTypeClosed    = "closed"
	MsgTypePong      = "pong"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// WSMessage is the envelope of every live feed frame.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WSErrorResponse is the payload of an error frame.
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler streams live session results to subscribers
type WebSocketHandler struct {
	sessions       SessionManager
	upgrader       websocket.Upgrader
	maxMessageSize int64
}

// NewWebSocketHandler creates a live feed handler. maxMessageSize bounds
// client frames; 0 means 64KB.
func NewWebSocketHandler(sessions SessionManager, maxMessageSize int64) *WebSocketHandler {
	if maxMessageSize <= 0 {
		maxMessageSize = 64 * 1024
	}
	return &WebSocketHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Dashboard is served from another origin in development
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		maxMessageSize: maxMessageSize,
	}
}

// HandleLiveFeed upgrades the connection and forwards every published
// result of the session until the session stops or the client leaves.
func (wsh *WebSocketHandler) HandleLiveFeed(c echo.Context) error {
	id := c.Param("id")
	updates, unsubscribe, err := wsh.sessions.Subscribe(id)
	if err != nil {
		return NewNotFoundError("session", id)
	}
	defer unsubscribe()

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	wsLogger.Debugf("[%s] client connected", shortSessionID(id))

	replies := make(chan WSMessage, 4)
	done := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	go wsh.readLoop(ws, id, replies, done, quit)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	if err := wsh.send(ws, WSMessage{Type: MsgTypeConnected, ID: id}); err != nil {
		return nil
	}

	for {
		select {
		case <-done:
			wsLogger.Debugf("[%s] client disconnected", shortSessionID(id))
			return nil
		case msg := <-replies:
			if err := wsh.send(ws, msg); err != nil {
				return nil
			}
		case u, ok := <-updates:
			if !ok {
				wsh.send(ws, WSMessage{Type: MsgTypeClosed, ID: id})
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
					time.Now().Add(wsWriteTimeout))
				return nil
			}
			if err := wsh.send(ws, updateMessage(u)); err != nil {
				return nil
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// readLoop answers client messages. It is the only reader of ws and closes
// done when the connection fails.
func (wsh *WebSocketHandler) readLoop(ws *websocket.Conn, id string, replies chan<- WSMessage, done chan<- struct{}, quit <-chan struct{}) {
	defer close(done)

	reply := func(msg WSMessage) bool {
		select {
		case replies <- msg:
			return true
		case <-quit:
			return false
		}
	}

	ws.SetReadLimit(wsh.maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLogger.Warnf("[%s] connection error: %v", shortSessionID(id), err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !reply(errorMessage(id, "invalid message: "+err.Error(), "INVALID_PAYLOAD")) {
				return
			}
			continue
		}

		ok := true
		switch msg.Type {
		case MsgTypePing:
			ok = reply(WSMessage{Type: MsgTypePong, ID: id})
		case MsgTypeKeepAlive:
			if !wsh.sessions.TouchSession(id) {
				ok = reply(errorMessage(id, "session not found", "SESSION_NOT_FOUND"))
			}
		default:
			ok = reply(errorMessage(id, "unknown message type: "+msg.Type, "INVALID_TYPE"))
		}
		if !ok {
			return
		}
	}
}

func (wsh *WebSocketHandler) send(ws *websocket.Conn, msg WSMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func updateMessage(u *session.Update) WSMessage {
	if u.Error != "" && u.Result == nil {
		return errorMessage(u.SessionID, u.Error, "UPSTREAM_ERROR")
	}
	return WSMessage{Type: MsgTypeUpdate, ID: u.SessionID, Payload: mustJSON(u)}
}

func errorMessage(id, message, code string) WSMessage {
	return WSMessage{
		Type:    MsgTypeError,
		ID:      id,
		Payload: mustJSON(WSErrorResponse{Message: message, Code: code}),
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func shortSessionID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
