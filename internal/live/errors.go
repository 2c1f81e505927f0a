package live

import "fmt"

// TransportError is a delivery failure on one subscriber. It only ever ends
// that subscriber; it is never returned to a broadcaster.
type TransportError struct {
	Subscriber string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("subscriber %s: %v", e.Subscriber, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
