package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xhist"
)

const TransportName = "redis-streams"

func init() {
	if err := xhist.RegisterTransport(TransportName, func(cfg map[string]any) (xhist.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xhist/redisstream: failed to register transport: %w", err))
	}
}

// New builds a Bus backed by Redis Streams. Call Connect before publishing.
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

// WithGroup sets the consumer group name.
func WithGroup(group string) Option {
	return func(b *xhist.BusBuilder) { b.WithGroup(group) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xhist.Middleware) Option {
	return func(b *xhist.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout bounds each XACK/dead-letter round trip.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xhist.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers.
func WithObserver(obs ...xhist.Observer) Option {
	return func(b *xhist.BusBuilder) { b.WithObserver(obs...) }
}
