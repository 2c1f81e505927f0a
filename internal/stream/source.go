package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/k1networth/outputfeed/internal/output"
	"github.com/k1networth/outputfeed/internal/shared/requestid"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type reopener interface {
	Reopen()
}

type Ingester interface {
	Ingest(ctx context.Context, raw map[string]any) (output.Event, error)
}

// Source consumes raw webhook payloads from a topic. Every message is
// committed once handled, including rejected ones; a payload that fails
// validation will never pass on redelivery.
type Source struct {
	reader   Reader
	ingester Ingester
	log      *slog.Logger

	processed *prometheus.CounterVec

	fetchBackoff   time.Duration
	maxFetchErrors int
}

func NewSource(r Reader, in Ingester, log *slog.Logger, reg prometheus.Registerer) *Source {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Source{
		reader:         r,
		ingester:       in,
		log:            log,
		fetchBackoff:   300 * time.Millisecond,
		maxFetchErrors: 5,
	}
	if reg != nil {
		s.processed = prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outputfeed_source_processed_total", Help: "Messages consumed from the ingest topic."},
			[]string{"result"},
		)
		reg.MustRegister(s.processed)
	}
	return s
}

// Run blocks until ctx is cancelled.
func (s *Source) Run(ctx context.Context) {
	s.log.Info("source_start")
	failures := 0
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("source_shutdown")
				return
			}
			failures++
			s.log.Error("kafka_fetch_failed",
				slog.Int("failures", failures),
				slog.String("err", err.Error()),
			)
			if r, ok := s.reader.(reopener); ok && failures >= s.maxFetchErrors {
				s.log.Warn("kafka_reader_reopen")
				r.Reopen()
				failures = 0
			}
			if !sleep(ctx, s.fetchBackoff) {
				s.log.Info("source_shutdown")
				return
			}
			continue
		}
		failures = 0

		s.count(s.handle(ctx, msg))

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				s.log.Info("source_shutdown")
				return
			}
			s.log.Error("kafka_commit_failed",
				slog.Int64("offset", msg.Offset),
				slog.String("err", err.Error()),
			)
		}
	}
}

func (s *Source) handle(ctx context.Context, msg kafka.Message) string {
	ctx = requestid.With(ctx, fmt.Sprintf("kafka-%d-%d", msg.Partition, msg.Offset))

	raw, err := decodePayload(msg.Value)
	if err != nil {
		s.log.Warn("message_decode_failed",
			slog.String("request_id", requestid.Get(ctx)),
			slog.String("err", err.Error()),
		)
		return "invalid"
	}

	if _, err := s.ingester.Ingest(ctx, raw); err != nil {
		var verr *output.ValidationError
		if errors.As(err, &verr) {
			return "rejected"
		}
		s.log.Error("message_handle_failed",
			slog.String("request_id", requestid.Get(ctx)),
			slog.String("err", err.Error()),
		)
		return "error"
	}
	return "ok"
}

func (s *Source) count(result string) {
	if s.processed != nil {
		s.processed.WithLabelValues(result).Inc()
	}
}

func decodePayload(value []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if raw == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return raw, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
