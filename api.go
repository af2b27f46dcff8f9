package xhist

import (
	"context"
)

// Handler processes a single message. Return error to reject the delivery.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received message with Ack/Reject semantics.
// A rejected message is never redelivered by the bus; retry policy belongs to the producer.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Reject(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Connect establishes the underlying connection. It must be safe to call again after a failure.
	Connect(ctx context.Context) error
	// Publish sends messages under a routing key.
	Publish(ctx context.Context, routingKey string, msgs ...*Message) error
	// Subscribe binds a handler to a routing pattern within a consumer group.
	// The transport should drive delivery in background and honor ctx.
	Subscribe(ctx context.Context, pattern, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Publisher is the narrow publishing surface used by components that only emit messages.
type Publisher interface {
	Publish(ctx context.Context, routingKey, name string, payload any, opts ...PublishOption) error
}

// API represents the complete bus surface for extensibility.
type API interface {
	Publisher
	Connect(ctx context.Context, opts ConnectOptions) error
	PublishBatch(ctx context.Context, routingKey string, events ...PublishEvent) error
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)
	Respond(ctx context.Context, pattern string, responder ResponderFunc) (Subscription, error)
	Reply(ctx context.Context, req *Message, name string, payload any) error
	Close(ctx context.Context) error
	State() State
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)
