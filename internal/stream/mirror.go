// Package stream connects the window to Kafka: Mirror republishes stored
// events, Source feeds payloads from a topic through the same ingestion path
// as the webhook.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/k1networth/outputfeed/internal/output"
	"github.com/k1networth/outputfeed/internal/shared/events"
	"github.com/k1networth/outputfeed/internal/shared/requestid"
)

type Producer interface {
	Produce(ctx context.Context, key, value []byte, headers map[string]string, timeout time.Duration) error
}

// Mirror publishes workflow_output.created envelopes keyed by execution id,
// so all outputs of one execution land on the same partition.
type Mirror struct {
	producer Producer
	timeout  time.Duration
}

func NewMirror(p Producer, timeout time.Duration) *Mirror {
	return &Mirror{producer: p, timeout: timeout}
}

func (m *Mirror) Publish(ctx context.Context, ev output.Event) error {
	env, err := events.New(events.TypeOutputCreated, events.AggregateExecution, ev.ExecutionID, ev.Timestamp, ev)
	if err != nil {
		return err
	}
	env.RequestID = requestid.Get(ctx)

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	headers := map[string]string{
		"event_type": env.EventType,
		"event_id":   env.EventID,
	}
	if err := m.producer.Produce(ctx, []byte(ev.ExecutionID), value, headers, m.timeout); err != nil {
		return fmt.Errorf("produce %s: %w", env.EventType, err)
	}
	return nil
}
