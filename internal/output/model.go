package output

import "time"

// DefaultWindowSize is the number of events retained when no capacity is configured.
const DefaultWindowSize = 20

// Message types carried in the "type" field of live envelopes.
const (
	MessageNewOutput = "new_output"
	MessagePing      = "ping"
)

// Event is one normalized workflow-completion record. Events are never
// mutated once stored; Data must be treated as read-only.
type Event struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"executionId"`
	Status      string         `json:"status"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Envelope is the tagged wrapper broadcast to live viewers.
type Envelope struct {
	Type   string `json:"type"`
	Output Event  `json:"output"`
}

func NewOutputEnvelope(ev Event) Envelope {
	return Envelope{Type: MessageNewOutput, Output: ev}
}

// Clone returns a copy of e whose Data shares no maps or slices with e.
func (e Event) Clone() Event {
	e.Data = cloneData(e.Data)
	return e
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
