package rpc

import (
	"context"
	"encoding/json"

	"github.com/trickstertwo/xhist"
)

// Subscriber is the part of xhist.Bus Listen needs.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, handler xhist.Handler) (xhist.Subscription, error)
}

// BusPublisher publishes requests to routingKey asking for replies on replyTo.
// Payloads are sent as raw JSON, so the bus must use the JSON codec.
func BusPublisher(bus xhist.Publisher, routingKey, replyTo string) PublishFunc {
	return func(ctx context.Context, correlationID string, body Body) error {
		return bus.Publish(ctx, routingKey, body.Name, json.RawMessage(body.Payload),
			xhist.WithCorrelationID(correlationID),
			xhist.WithReplyTo(replyTo),
		)
	}
}

// Listen feeds every message arriving on replyTo into client.
func Listen(ctx context.Context, bus Subscriber, replyTo string, client *Client) (xhist.Subscription, error) {
	return bus.Subscribe(ctx, replyTo, func(_ context.Context, msg *xhist.Message) error {
		client.HandleResponse(Body{Name: msg.Name, Payload: msg.Payload}, msg.CorrelationID)
		return nil
	})
}
