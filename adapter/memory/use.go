package memory

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xhist"
	"github.com/trickstertwo/xlog"
)

// New builds a Bus backed by the in-memory transport. The bus still has to be connected.
//
// Example:
//
//	bus, err := memory.New(memory.Config{Concurrency: 1, AssignIDs: true},
//	    memory.WithLogger(logger),
//	    memory.WithGroup("read-model"),
//	)
func New(cfg Config, opts ...Option) (*xhist.Bus, error) {
	bb := xhist.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	return bb.Build()
}

// Option configures the xhist.Bus when calling New.
type Option func(*xhist.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xhist.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xhist.BusBuilder) { b.WithClock(c) }
}

// WithGroup sets the consumer group.
func WithGroup(group string) Option {
	return func(b *xhist.BusBuilder) { b.WithGroup(group) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xhist.Middleware) Option {
	return func(b *xhist.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/rejects timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xhist.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xhist.Observer) Option {
	return func(b *xhist.BusBuilder) { b.WithObserver(obs...) }
}
