package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/k1networth/outputfeed/internal/output"
)

var ErrReconnectsExhausted = errors.New("live: reconnect attempts exhausted")

// Client follows a running service: it loads the current window, then
// applies live events as they arrive, reconnecting a bounded number of times
// when the stream breaks.
type Client struct {
	BaseURL        string
	MaxReconnects  int
	ReconnectDelay time.Duration
	// MaxDelay caps exponential backoff. Zero keeps a fixed ReconnectDelay.
	MaxDelay     time.Duration
	PingInterval time.Duration

	HTTP   *http.Client
	Dialer *websocket.Dialer
	Log    *slog.Logger
}

type (
	SnapshotFunc func([]output.Event)
	EventFunc    func(output.Event)
)

// Run blocks until ctx is cancelled or reconnect attempts run out. Each
// successful connection resets the attempt counter.
func (c *Client) Run(ctx context.Context, onSnapshot SnapshotFunc, onEvent EventFunc) error {
	log := c.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	maxAttempts := c.MaxReconnects
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	attempts := 0
	for {
		connected, err := c.session(ctx, log, onSnapshot, onEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempts = 0
		}
		attempts++
		if attempts > maxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectsExhausted, maxAttempts, err)
		}

		delay := c.backoff(attempts)
		log.Warn("feed_disconnected",
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("retry_in", delay),
			slog.String("err", errString(err)),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	base := c.ReconnectDelay
	if base <= 0 {
		base = 3 * time.Second
	}
	if c.MaxDelay <= base {
		return base
	}
	d := base
	for i := 1; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxDelay)
}

// session runs one connection. connected reports whether the stream was
// established and the snapshot delivered.
func (c *Client) session(ctx context.Context, log *slog.Logger, onSnapshot SnapshotFunc, onEvent EventFunc) (connected bool, err error) {
	wsURL, snapURL, err := c.endpoints()
	if err != nil {
		return false, err
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	// Subscribe before reading the snapshot so nothing stored in between is missed.
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	snapshot, err := c.fetchSnapshot(sessCtx, snapURL)
	if err != nil {
		return false, err
	}
	seen := make(map[string]struct{}, len(snapshot))
	for _, ev := range snapshot {
		seen[ev.ID] = struct{}{}
	}
	if onSnapshot != nil {
		onSnapshot(snapshot)
	}
	log.Info("feed_connected", slog.String("url", wsURL), slog.Int("snapshot", len(snapshot)))

	if c.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.keepAlive(sessCtx, conn)
		}()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var env output.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != output.MessageNewOutput {
			continue
		}
		if _, dup := seen[env.Output.ID]; dup {
			continue
		}
		if onEvent != nil {
			onEvent(env.Output)
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.PingInterval)
	defer t.Stop()
	msg, _ := json.Marshal(map[string]string{"type": output.MessagePing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.PingInterval))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *Client) fetchSnapshot(ctx context.Context, u string) ([]output.Event, error) {
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}
	var out []output.Event
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

func (c *Client) endpoints() (wsURL, snapURL string, err error) {
	base, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil {
		return "", "", fmt.Errorf("parse base url: %w", err)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "http"
	case "https", "wss":
		base.Scheme = "https"
	default:
		return "", "", fmt.Errorf("unsupported scheme %q", base.Scheme)
	}
	snap := *base
	snap.Path = base.Path + "/api/outputs"

	ws := *base
	ws.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
	ws.Path = base.Path + "/ws"
	return ws.String(), snap.String(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
