package kafkax

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer writes keyed messages to a single topic. Writes are synchronous so
// callers see delivery errors.
type Producer struct {
	mu        sync.Mutex
	w         *kafka.Writer
	cfg       ProducerConfig
	lastReset time.Time
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
	// MinResetInterval throttles writer re-creation after broker errors.
	MinResetInterval time.Duration
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.ClientID == "" {
		cfg.ClientID = "outputfeed"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MinResetInterval <= 0 {
		cfg.MinResetInterval = 2 * time.Second
	}
	return &Producer{cfg: cfg, w: newWriter(cfg)}
}

func newWriter(cfg ProducerConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:  kafka.TCP(cfg.Brokers...),
		Topic: cfg.Topic,
		// Same key, same partition: per-execution ordering for consumers.
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 20 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			MetadataTTL: 10 * time.Second,
		},
	}
}

func (p *Producer) Topic() string { return p.cfg.Topic }

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}

// Produce writes one message. A timeout of zero uses the configured
// WriteTimeout. On a connection or leadership error the writer is rebuilt and
// the write retried once.
func (p *Producer) Produce(ctx context.Context, key, value []byte, headers map[string]string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.WriteTimeout
	}
	msg := kafka.Message{Key: key, Value: value, Headers: toHeaders(headers)}

	err := p.write(ctx, msg, timeout)
	if err != nil && shouldReset(err) && p.reset() {
		err = p.write(ctx, msg, timeout)
	}
	return err
}

func (p *Producer) write(ctx context.Context, msg kafka.Message, timeout time.Duration) error {
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w == nil {
		return ErrClosed
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.WriteMessages(cctx, msg)
}

// reset rebuilds the writer unless it was rebuilt recently or the producer is
// closed. It reports whether a retry makes sense.
func (p *Producer) reset() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil || time.Since(p.lastReset) < p.cfg.MinResetInterval {
		return false
	}
	_ = p.w.Close()
	p.w = newWriter(p.cfg)
	p.lastReset = time.Now()
	return true
}

func toHeaders(m map[string]string) []kafka.Header {
	if len(m) == 0 {
		return nil
	}
	hs := make([]kafka.Header, 0, len(m))
	for k, v := range m {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return hs
}

// shouldReset matches errors that stale broker metadata or a dropped
// connection produce.
func shouldReset(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if shouldReset(e) {
				return true
			}
		}
		return false
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.NotLeaderForPartition, kafka.LeaderNotAvailable,
			kafka.BrokerNotAvailable, kafka.UnknownTopicOrPartition:
			return true
		}
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
