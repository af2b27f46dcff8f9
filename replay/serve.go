package replay

import (
	"context"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xhist"
)

// Bus is the part of xhist.Bus Serve needs.
type Bus interface {
	Subscribe(ctx context.Context, pattern string, handler xhist.Handler) (xhist.Subscription, error)
	Reply(ctx context.Context, req *xhist.Message, name string, payload any) error
	Context() context.Context
	Logger() *xlog.Logger
}

// Serve answers replay requests published on pattern. Frames go to the request's ReplyTo
// with its correlation id. Streams run on the bus context, so closing the bus stops them.
func Serve(ctx context.Context, bus Bus, pattern string, c *Coordinator) (xhist.Subscription, error) {
	logger := bus.Logger()

	return bus.Subscribe(ctx, pattern, xhist.RequireReply()(func(ctx context.Context, msg *xhist.Message) error {
		if msg.Name != RequestType {
			logger.Warn().Str("name", msg.Name).Str("routing_key", msg.RoutingKey).Msg("replay: unexpected message discarded")
			return nil
		}
		if msg.ReplyTo == "" {
			logger.Warn().Str("routing_key", msg.RoutingKey).Msg("replay: request without reply address discarded")
			return nil
		}
		params, err := xhist.Decode[Params](ctx, msg)
		if err != nil {
			logger.Warn().Err(err).Str("routing_key", msg.RoutingKey).Msg("replay: malformed request discarded")
			return nil
		}

		req := *msg
		send := func(ctx context.Context, f Frame) error {
			if f.End() {
				return bus.Reply(ctx, &req, EndType, struct{}{})
			}
			return bus.Reply(ctx, &req, f.Type, f.Event)
		}
		done := func() {
			logger.Debug().Str("reply_to", req.ReplyTo).Str("correlation_id", req.CorrelationID).Msg("replay: stream closed")
		}

		// malformed params are logged by Start
		_, _ = c.Start(bus.Context(), Request{Type: msg.Name, Payload: params}, send, done)
		return nil
	}))
}
