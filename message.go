package xhist

import (
	"time"
)

// Message is the envelope traveling the bus. The Payload is encoded via Codec.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the type tag of the body (event, command or query type).
	Name string
	// RoutingKey is the topic the message was published under.
	RoutingKey string
	// CorrelationID links a request to its reply. Optional.
	CorrelationID string
	// ReplyTo is the routing key a responder publishes its answer to. Optional.
	ReplyTo string
	// Payload is the encoded bytes of the body.
	Payload []byte
	// Metadata is a bag for headers/tracing/provenance.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// IsRequest reports whether the message participates in the request/reply convention.
func (m *Message) IsRequest() bool {
	return m.CorrelationID != "" || m.ReplyTo != ""
}

// PublishOption customizes a single Publish call.
type PublishOption func(*Message)

// WithCorrelationID sets the correlation id of the outgoing message.
func WithCorrelationID(id string) PublishOption {
	return func(m *Message) { m.CorrelationID = id }
}

// WithReplyTo sets the routing key the receiver should answer to.
func WithReplyTo(routingKey string) PublishOption {
	return func(m *Message) { m.ReplyTo = routingKey }
}

// WithMetadata merges headers into the outgoing message.
func WithMetadata(meta map[string]string) PublishOption {
	return func(m *Message) {
		if len(meta) == 0 {
			return
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			m.Metadata[k] = v
		}
	}
}
