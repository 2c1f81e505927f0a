package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema checks the coerced candidate, not the raw body: by the time
// it runs, status and data sit at fixed locations regardless of how the
// producer spelled things.
const payloadSchema = `{
  "type": "object",
  "required": ["status", "data"],
  "properties": {
    "status": {"type": "string", "pattern": "\\S"},
    "data":   {"type": "object"}
  }
}`

var candidateSchema = jsonschema.MustCompileString("webhook-payload.json", payloadSchema)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize turns a loosely-typed inbound payload into an Event. It is a pure
// function of raw and now; the returned Event has no ID (the store assigns it).
// The only error it returns is *ValidationError.
func Normalize(raw map[string]any, now time.Time) (Event, error) {
	if raw == nil {
		return Event{}, invalid("body", "must be a JSON object")
	}
	now = now.UTC()

	if _, ok := raw["status"]; !ok {
		return Event{}, invalid("status", "is required")
	}

	dataValue, hasData := raw["data"]
	if !hasData {
		dataValue = raw
	}

	candidate, err := canonical(map[string]any{
		"status": raw["status"],
		"data":   dataValue,
	})
	if err != nil {
		return Event{}, invalid("data", "must be JSON-encodable")
	}

	if err := candidateSchema.Validate(candidate); err != nil {
		return Event{}, schemaError(err)
	}

	fields := candidate.(map[string]any)

	execID := coerceString(raw["executionId"])
	if execID == "" {
		execID = coerceString(raw["execution_id"])
	}
	if execID == "" {
		execID = fmt.Sprintf("exec-%d", now.UnixMilli())
	}

	ts, ok := parseTimestamp(raw["timestamp"])
	if !ok {
		ts = now
	}

	return Event{
		ExecutionID: execID,
		Status:      fields["status"].(string),
		Data:        fields["data"].(map[string]any),
		Timestamp:   ts,
	}, nil
}

// canonical re-decodes v through JSON so the result contains only the types
// encoding/json produces (numbers as json.Number) and shares no memory with v.
func canonical(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return invalid("body", err.Error())
	}

	var details []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			details = append(details, FieldError{Field: fieldName(e.InstanceLocation), Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	sort.SliceStable(details, func(i, j int) bool { return details[i].Field < details[j].Field })
	return &ValidationError{Details: details}
}

func fieldName(instanceLocation string) string {
	f := strings.Trim(instanceLocation, "/")
	if f == "" {
		return "body"
	}
	return strings.ReplaceAll(f, "/", ".")
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// parseTimestamp accepts RFC 3339 style strings and epoch milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		return time.Time{}, false
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromMillis(f)
	case float64:
		return fromMillis(t)
	case int64:
		return time.UnixMilli(t).UTC(), true
	case int:
		return time.UnixMilli(int64(t)).UTC(), true
	default:
		return time.Time{}, false
	}
}

func fromMillis(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > 8.64e15 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(f)).UTC(), true
}

// shapeOf summarizes a payload for logs without leaking its values.
func shapeOf(raw map[string]any) []string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 16 {
		keys = append(keys[:16], "...")
	}
	return keys
}
