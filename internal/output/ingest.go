package output

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/k1networth/outputfeed/internal/shared/requestid"
)

// Broadcaster fans a message out to live viewers. Implementations must not
// block on delivery.
type Broadcaster interface {
	Broadcast(msg any)
}

// Mirror forwards stored events to a downstream system.
type Mirror interface {
	Publish(ctx context.Context, ev Event) error
}

// Ingester is the single write path: normalize, store, broadcast.
type Ingester struct {
	store   *Store
	hub     Broadcaster
	mirror  Mirror
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	wg sync.WaitGroup
}

type IngesterOption func(*Ingester)

func WithMirror(m Mirror) IngesterOption {
	return func(in *Ingester) { in.mirror = m }
}

func WithIngestMetrics(m *Metrics) IngesterOption {
	return func(in *Ingester) { in.metrics = m }
}

func WithClock(now func() time.Time) IngesterOption {
	return func(in *Ingester) { in.now = now }
}

func NewIngester(store *Store, hub Broadcaster, log *slog.Logger, opts ...IngesterOption) *Ingester {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	in := &Ingester{
		store: store,
		hub:   hub,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest normalizes raw, stores the result and broadcasts it. A
// *ValidationError means nothing was stored or broadcast.
func (in *Ingester) Ingest(ctx context.Context, raw map[string]any) (Event, error) {
	ev, err := Normalize(raw, in.now())
	if err != nil {
		in.metrics.observeIngest("rejected")
		var ve *ValidationError
		if errors.As(err, &ve) {
			in.log.Warn("webhook_rejected",
				slog.String("request_id", requestid.Get(ctx)),
				slog.Any("shape", shapeOf(raw)),
				slog.Any("details", ve.Details),
			)
		}
		return Event{}, err
	}

	stored := in.store.Insert(ctx, ev)
	in.metrics.observeIngest("accepted")

	if in.hub != nil {
		in.hub.Broadcast(NewOutputEnvelope(stored))
	}
	if in.mirror != nil {
		in.publish(ctx, stored)
	}

	in.log.Info("output_ingested",
		slog.String("request_id", requestid.Get(ctx)),
		slog.String("id", stored.ID),
		slog.String("execution_id", stored.ExecutionID),
		slog.String("status", stored.Status),
		slog.Int("data_keys", len(stored.Data)),
	)
	return stored, nil
}

func (in *Ingester) publish(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		if err := in.mirror.Publish(ctx, ev); err != nil {
			in.metrics.observeMirrorFailure()
			in.log.Error("mirror_publish_failed",
				slog.String("id", ev.ID),
				slog.String("err", err.Error()),
			)
		}
	}()
}

// Wait blocks until in-flight mirror publishes have finished.
func (in *Ingester) Wait() {
	in.wg.Wait()
}
