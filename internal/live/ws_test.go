package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/outputfeed/internal/output"
)

func newWSServer(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	hub := NewHub(cfg, log, nil)
	srv := httptest.NewServer(&Handler{Hub: hub, Log: log})
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) output.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var env output.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestWebSocketReceivesNewOutput(t *testing.T) {
	hub, srv := newWSServer(t, Config{})
	c := dialWS(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	ev := output.Event{
		ID:          "id-1",
		ExecutionID: "exec-1",
		Status:      "success",
		Data:        map[string]any{"k": "v"},
		Timestamp:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	hub.Broadcast(output.NewOutputEnvelope(ev))

	env := readEnvelope(t, c)
	assert.Equal(t, output.MessageNewOutput, env.Type)
	assert.Equal(t, ev, env.Output)
}

func TestWebSocketIgnoresClientMessages(t *testing.T) {
	hub, srv := newWSServer(t, Config{})
	c := dialWS(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)))

	hub.Broadcast(output.NewOutputEnvelope(output.Event{ID: "after", Status: "ok"}))
	env := readEnvelope(t, c)
	assert.Equal(t, "after", env.Output.ID)
	assert.Equal(t, 1, hub.Len())
}

func TestWebSocketCloseUnregisters(t *testing.T) {
	hub, srv := newWSServer(t, Config{})
	c := dialWS(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	_ = c.Close()

	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketPongKeepsSubscriberAlive(t *testing.T) {
	hub, srv := newWSServer(t, Config{HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimeout: 80 * time.Millisecond})
	c := dialWS(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The default ping handler answers with a pong, but only while reading.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, hub.Len())
}

func TestPlainRequestGetsUpgradeRequired(t *testing.T) {
	_, srv := newWSServer(t, Config{})

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Expected WebSocket", body.Error)
}
