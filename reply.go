package xhist

import (
	"context"
)

// ResponderFunc answers a request. The returned name and payload are published to the
// request's ReplyTo with the same CorrelationID. A non-nil error rejects the request
// and no reply is sent.
type ResponderFunc func(ctx context.Context, req *Message) (name string, payload any, err error)

// RequireReply enforces the request/reply contract before business logic runs: a message
// carrying a correlation id must also carry a reply address.
func RequireReply() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			if msg.CorrelationID != "" && msg.ReplyTo == "" {
				return &MissingReplyFieldError{
					Field:         "replyTo",
					RoutingKey:    msg.RoutingKey,
					CorrelationID: msg.CorrelationID,
				}
			}
			return next(ctx, msg)
		}
	}
}

// Respond subscribes a responder to a routing pattern using the request/reply convention.
func (b *Bus) Respond(ctx context.Context, pattern string, responder ResponderFunc) (Subscription, error) {
	if responder == nil {
		return nil, ErrInvalidSubscription
	}
	h := RequireReply()(func(ctx context.Context, req *Message) error {
		name, payload, err := responder(ctx, req)
		if err != nil {
			return err
		}
		if req.ReplyTo == "" {
			// Fire-and-forget request: nobody is listening for the answer.
			b.logger.Debug().Str("routing_key", req.RoutingKey).Str("name", name).Msg("xhist: reply dropped, no reply address")
			return nil
		}
		return b.Reply(ctx, req, name, payload)
	})
	return b.Subscribe(ctx, pattern, h)
}

// Reply publishes payload to req.ReplyTo carrying req.CorrelationID.
func (b *Bus) Reply(ctx context.Context, req *Message, name string, payload any) error {
	if req == nil || req.ReplyTo == "" {
		mr := &MissingReplyFieldError{Field: "replyTo"}
		if req != nil {
			mr.RoutingKey = req.RoutingKey
			mr.CorrelationID = req.CorrelationID
		}
		return mr
	}
	return b.Publish(ctx, req.ReplyTo, name, payload, WithCorrelationID(req.CorrelationID))
}
