package spanstream

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoder provides a msgpack encoder that writes straight into the blocks of a
// Chain, so a span is serialized without an intermediate buffer.
type Encoder struct {
	*Chain
	*msgpack.Encoder
}

// NewEncoder returns an Encoder writing into a new Chain. Both come from
// shared pools.
func NewEncoder() *Encoder {
	c := NewChain()
	enc := msgpack.GetEncoder()
	enc.Reset(c)
	return &Encoder{Chain: c, Encoder: enc}
}

// Detach returns the Chain holding everything encoded so far, ready to be
// passed to RecordSpan, and releases the msgpack encoder back to its pool.
// The Encoder must not be used afterwards.
func (e *Encoder) Detach() *Chain {
	c := e.Chain
	msgpack.PutEncoder(e.Encoder)
	e.Chain, e.Encoder = nil, nil
	return c
}

// Free releases the Encoder and its Chain, discarding anything encoded.
func (e *Encoder) Free() {
	e.Detach().Free()
}

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int { return e.Chain.Len() }

// EncodeTimestamp encodes t, in UTC, as the number of microseconds since the
// Unix epoch.
func (e *Encoder) EncodeTimestamp(t time.Time) error {
	if err := e.EncodeInt64(t.UTC().UnixMicro()); err != nil {
		return fmt.Errorf("failed to encode timestamp: %w", err)
	}
	return nil
}

// EncodeSpan serializes v as msgpack into a new Chain.
func EncodeSpan(v any) (*Chain, error) {
	e := NewEncoder()
	if err := e.Encode(v); err != nil {
		e.Free()
		return nil, fmt.Errorf("failed to encode span: %w", err)
	}
	return e.Detach(), nil
}
