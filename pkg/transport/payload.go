package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

/*
Payload wraps a JSON-serializable value as a reusable request body.  The
value is encoded once, on the first Reader call; later calls replay the
same bytes, so a delivery that takes several attempts marshals once.
*/
type Payload[T any] struct {
	value *T

	mu      sync.Mutex
	encoded []byte
	err     error
}

// NewPayload wraps a value for delivery.  Encoding is deferred until the
// body is first needed.
func NewPayload[T any](value *T) *Payload[T] {
	return &Payload[T]{value: value}
}

/*
Reader returns a fresh reader over the encoded value.  Readers are
independent: one attempt draining its reader does not affect the next.
*/
func (payload *Payload[T]) Reader() (io.Reader, error) {
	encoded, err := payload.encode()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(encoded), nil
}

func (payload *Payload[T]) encode() ([]byte, error) {
	payload.mu.Lock()
	defer payload.mu.Unlock()

	if payload.encoded == nil && payload.err == nil {
		payload.encoded, payload.err = json.Marshal(payload.value)
	}

	return payload.encoded, payload.err
}
