package xhist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// JSONCodec encodes payloads with encoding/json. It is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory returns a ready codec.
type CodecFactory func() Codec

var (
	codecsMu sync.RWMutex
	codecs   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec makes a codec selectable with BusBuilder.WithCodec. Re-registering a name
// replaces the previous factory.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("xhist: codec name must not be empty")
	}
	if factory == nil {
		return errors.New("xhist: codec factory must not be nil")
	}
	codecsMu.Lock()
	codecs[name] = factory
	codecsMu.Unlock()
	return nil
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	codecsMu.RLock()
	f, ok := codecs[name]
	codecsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("xhist: codec %q not registered", name)
	}
	return f(), nil
}

// Decode unmarshals the payload of a handled message with the bus codec carried by ctx,
// or JSON outside a handler. Failures match ErrInvalidPayload.
func Decode[T any](ctx context.Context, msg *Message) (T, error) {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return DecodeCodec[T](c, msg)
}

// DecodeCodec is Decode with an explicit codec.
func DecodeCodec[T any](c Codec, msg *Message) (T, error) {
	var v T
	if msg == nil {
		return v, fmt.Errorf("%w: nil message", ErrInvalidPayload)
	}
	if err := c.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s on %q: %w", ErrInvalidPayload, msg.Name, msg.RoutingKey, err)
	}
	return v, nil
}
