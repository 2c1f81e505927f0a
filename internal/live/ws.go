package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/k1networth/outputfeed/internal/output"
)

const maxInboundFrame = 4 << 10

// wsConn adapts a gorilla connection to Conn. WriteMessage is only called
// from the subscriber's delivery loop; pings and close use WriteControl,
// which gorilla allows concurrently with other writers.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(10 * time.Second)
}

func (w *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	if err := w.c.SetWriteDeadline(w.deadline(ctx)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.WriteControl(websocket.PingMessage, nil, w.deadline(ctx))
}

func (w *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }

// Handler upgrades GET /ws and registers the connection with Hub.
type Handler struct {
	Hub *Hub
	Log *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		output.WriteError(w, r, http.StatusUpgradeRequired, "Expected WebSocket", nil)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.Log.Warn("ws_upgrade_failed", slog.String("err", err.Error()))
		return
	}
	c.SetReadLimit(maxInboundFrame)

	sub := h.Hub.Register(&wsConn{c: c})
	c.SetPongHandler(func(string) error {
		sub.Touch()
		return nil
	})
	defer h.Hub.Unregister(sub)

	h.readLoop(c, sub)
}

// readLoop keeps control frames flowing and treats every inbound frame as a
// liveness signal. Application messages carry no meaning for the server.
func (h *Handler) readLoop(c *websocket.Conn, sub *Subscriber) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && sub.ctx.Err() == nil {
				h.Log.Debug("ws_read_failed",
					slog.String("subscriber", sub.ID()),
					slog.String("err", err.Error()),
				)
			}
			return
		}
		sub.Touch()

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			h.Log.Debug("ws_message_ignored",
				slog.String("subscriber", sub.ID()),
				slog.String("reason", "invalid_json"),
			)
			continue
		}
		if msg.Type != output.MessagePing {
			h.Log.Debug("ws_message_ignored",
				slog.String("subscriber", sub.ID()),
				slog.String("type", msg.Type),
			)
		}
	}
}
