package nats

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xhist"
)

const TransportName = "nats"

func init() {
	if err := xhist.RegisterTransport(TransportName, func(cfg map[string]any) (xhist.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xhist/nats: failed to register transport: %w", err))
	}
}

// New builds a Bus backed by NATS. Call Connect before publishing.
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

func WithLogger(l *xlog.Logger) Option {
	return func(b *xhist.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *xhist.BusBuilder) { b.WithClock(c) }
}

// WithGroup sets the queue group.
func WithGroup(group string) Option {
	return func(b *xhist.BusBuilder) { b.WithGroup(group) }
}

func WithMiddleware(mw ...xhist.Middleware) Option {
	return func(b *xhist.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout bounds dead-letter publishes.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xhist.BusBuilder) { b.WithAckTimeout(d) }
}

func WithObserver(obs ...xhist.Observer) Option {
	return func(b *xhist.BusBuilder) { b.WithObserver(obs...) }
}
