package output_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/outputfeed/internal/output"
	"github.com/k1networth/outputfeed/internal/shared/httpx"
)

func testLogger() *slog.Logger {
	h := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h).With(
		slog.String("app", "test"),
		slog.String("env", "test"),
	)
}

func newTestServer(t *testing.T, maxBody int64) *httptest.Server {
	t.Helper()
	log := testLogger()
	store := output.NewStore(output.DefaultWindowSize)
	h := &output.Handler{
		Log:          log,
		Store:        store,
		Ingester:     output.NewIngester(store, nil, log),
		MaxBodyBytes: maxBody,
	}
	srv := httptest.NewServer(httpx.NewRouter(log, httpx.RouterConfig{Outputs: h}))
	t.Cleanup(srv.Close)
	return srv
}

func postWebhook(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/webhook", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type errorBody struct {
	Error   string              `json:"error"`
	Details []output.FieldError `json:"details"`
	ReqID   string              `json:"request_id"`
}

func TestWebhook201(t *testing.T) {
	srv := newTestServer(t, 0)

	resp := postWebhook(t, srv, `{"status":"success","data":{"x":1}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	assert.NotEmpty(t, got["id"])
	assert.True(t, strings.HasPrefix(got["executionId"].(string), "exec-"))
	assert.Equal(t, "success", got["status"])
	assert.Equal(t, map[string]any{"x": float64(1)}, got["data"])
	assert.NotEmpty(t, got["timestamp"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestWebhookValidation400(t *testing.T) {
	srv := newTestServer(t, 0)

	resp := postWebhook(t, srv, `{"data":{"x":1}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var er errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
	assert.Equal(t, "Invalid request data", er.Error)
	require.Len(t, er.Details, 1)
	assert.Equal(t, "status", er.Details[0].Field)
	assert.NotEmpty(t, er.ReqID)

	list, err := http.Get(srv.URL + "/api/outputs")
	require.NoError(t, err)
	defer func() { _ = list.Body.Close() }()
	var outs []output.Event
	require.NoError(t, json.NewDecoder(list.Body).Decode(&outs))
	assert.Empty(t, outs)
}

func TestWebhookMalformedBodies(t *testing.T) {
	srv := newTestServer(t, 0)

	cases := map[string]string{
		"empty":        ``,
		"not json":     `{status:`,
		"array":        `[{"status":"ok"}]`,
		"trailing doc": `{"status":"ok"} {"status":"ok"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := postWebhook(t, srv, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var er errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
			require.NotEmpty(t, er.Details)
			assert.Equal(t, "body", er.Details[0].Field)
		})
	}
}

func TestWebhookBodyTooLarge413(t *testing.T) {
	srv := newTestServer(t, 64)

	big := `{"status":"ok","data":{"blob":"` + strings.Repeat("x", 256) + `"}}`
	resp := postWebhook(t, srv, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestWebhookWrongMethod405(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, err := http.Get(srv.URL + "/api/webhook")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListOutputsNewestFirst(t *testing.T) {
	srv := newTestServer(t, 0)

	postWebhook(t, srv, `{"executionId":"older","status":"success","data":{},"timestamp":"2024-01-01T00:00:00Z"}`)
	postWebhook(t, srv, `{"executionId":"newer","status":"error","data":{},"timestamp":"2024-01-02T00:00:00Z"}`)
	postWebhook(t, srv, `{"executionId":"oldest","status":"running","data":{},"timestamp":"2023-12-31T00:00:00Z"}`)

	resp, err := http.Get(srv.URL + "/api/outputs")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var outs []output.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outs))
	require.Len(t, outs, 3)
	assert.Equal(t, "newer", outs[0].ExecutionID)
	assert.Equal(t, "older", outs[1].ExecutionID)
	assert.Equal(t, "oldest", outs[2].ExecutionID)
}

func TestListOutputsCapsAtWindow(t *testing.T) {
	srv := newTestServer(t, 0)

	for i := 0; i < output.DefaultWindowSize+5; i++ {
		resp := postWebhook(t, srv, `{"status":"ok","data":{}}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/api/outputs")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var outs []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outs))
	assert.Len(t, outs, output.DefaultWindowSize)
}

func TestWebhookEchoesProvidedRequestID(t *testing.T) {
	srv := newTestServer(t, 0)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/webhook", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "abc123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var er errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
	assert.Equal(t, "abc123", er.ReqID)
	assert.Equal(t, "abc123", resp.Header.Get("X-Request-Id"))
}
