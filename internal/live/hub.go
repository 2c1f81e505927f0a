// Package live fans stored events out to connected viewers.
//
// A Hub owns the set of subscribers. Each subscriber gets a bounded outbound
// queue and one goroutine that writes queued messages, pings the viewer on a
// fixed interval and drops it when it stops answering. Broadcast only ever
// enqueues, so a slow viewer can never stall ingestion or other viewers.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is one viewer's duplex channel as seen by the hub.
type Conn interface {
	WriteMessage(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
	RemoteAddr() string
}

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	SendQueue         int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2*c.HeartbeatInterval + c.HeartbeatInterval/2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 32
	}
	return c
}

// Drop reasons, also used as metric labels.
const (
	reasonWriteFailed      = "write_failed"
	reasonPingFailed       = "ping_failed"
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonQueueFull        = "queue_full"
)

type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool

	wg sync.WaitGroup
}

func NewHub(cfg Config, log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: metrics,
		now:     time.Now,
		subs:    make(map[uint64]*Subscriber),
	}
}

// Subscriber is the handle returned by Register.
type Subscriber struct {
	id       uint64
	conn     Conn
	send     chan []byte
	lastSeen atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *Subscriber) ID() string { return strconv.FormatUint(s.id, 10) }

// Touch records that the viewer showed a sign of life (a pong or any frame).
func (s *Subscriber) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// Done is closed once the subscriber has been unregistered.
func (s *Subscriber) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Subscriber) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// Register adds conn to the broadcast set and starts its delivery loop.
// Registering on a closed hub closes conn and returns an already-done handle.
func (h *Hub) Register(conn Conn) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscriber{
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	sub.Touch()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.once.Do(func() {
			cancel()
			_ = conn.Close()
		})
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.setSubscribers(n)
	h.log.Info("subscriber_registered",
		slog.String("subscriber", sub.ID()),
		slog.String("remote", conn.RemoteAddr()),
		slog.Int("subscribers", n),
	)

	go h.run(sub)
	return sub
}

// Unregister removes sub and closes its channel. Safe to call repeatedly and
// from any goroutine.
func (h *Hub) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub.id)
		n := len(h.subs)
		h.mu.Unlock()

		sub.cancel()
		_ = sub.conn.Close()

		h.metrics.setSubscribers(n)
		h.log.Info("subscriber_unregistered",
			slog.String("subscriber", sub.ID()),
			slog.Int("subscribers", n),
		)
	})
}

// Broadcast encodes msg once and queues it for every registered subscriber.
// It never blocks: a subscriber whose queue is full is dropped.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("broadcast_encode_failed", slog.String("err", err.Error()))
		return
	}

	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.metrics.observeBroadcast(len(targets))

	for _, s := range targets {
		select {
		case <-s.ctx.Done():
		case s.send <- data:
		default:
			h.drop(s, reasonQueueFull, nil)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters every subscriber and waits for their loops to exit.
// Later Register calls are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.Unregister(s)
	}
	h.wg.Wait()
}

func (h *Hub) run(sub *Subscriber) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return

		case data := <-sub.send:
			ctx, cancel := context.WithTimeout(sub.ctx, h.cfg.WriteTimeout)
			err := sub.conn.WriteMessage(ctx, data)
			cancel()
			if err != nil {
				h.drop(sub, reasonWriteFailed, err)
				return
			}
			h.metrics.observeSent()

		case <-ticker.C:
			if idle := sub.idleFor(h.now()); idle > h.cfg.HeartbeatTimeout {
				h.drop(sub, reasonHeartbeatTimeout, nil)
				return
			}
			ctx, cancel := context.WithTimeout(sub.ctx, h.cfg.WriteTimeout)
			err := sub.conn.Ping(ctx)
			cancel()
			if err != nil {
				h.drop(sub, reasonPingFailed, err)
				return
			}
		}
	}
}

func (h *Hub) drop(sub *Subscriber, reason string, err error) {
	if sub.ctx.Err() != nil {
		return
	}
	attrs := []any{
		slog.String("subscriber", sub.ID()),
		slog.String("remote", sub.conn.RemoteAddr()),
		slog.String("reason", reason),
	}
	if err != nil {
		terr := &TransportError{Subscriber: sub.ID(), Err: err}
		attrs = append(attrs, slog.String("err", terr.Error()))
	}
	h.log.Warn("subscriber_dropped", attrs...)
	h.metrics.observeDrop(reason)
	h.Unregister(sub)
}
