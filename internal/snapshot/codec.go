// Package snapshot persists the retained window so a restart can pick up
// where the previous process left off. Every backend stores one JSON array
// under a single key, newest-inserted event first.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/k1networth/outputfeed/internal/output"
)

func encodeWindow(window []output.Event) ([]byte, error) {
	if window == nil {
		window = []output.Event{}
	}
	data, err := json.Marshal(window)
	if err != nil {
		return nil, fmt.Errorf("encode window: %w", err)
	}
	return data, nil
}

// decodeWindow keeps numbers in data as json.Number, matching what ingestion
// stores.
func decodeWindow(data []byte) ([]output.Event, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var window []output.Event
	if err := dec.Decode(&window); err != nil {
		return nil, fmt.Errorf("decode window: %w", err)
	}
	return window, nil
}
