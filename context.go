package xhist

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type ctxKey int

const (
	codecCtxKey ctxKey = iota
	loggerCtxKey
	clockCtxKey
	messageCtxKey
)

// InjectAll attaches codec, logger and clock to ctx for downstream handlers.
// Nil values are skipped.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	if codec != nil {
		ctx = context.WithValue(ctx, codecCtxKey, codec)
	}
	if logger != nil {
		ctx = context.WithValue(ctx, loggerCtxKey, logger)
	}
	if clock != nil {
		ctx = context.WithValue(ctx, clockCtxKey, clock)
	}
	return ctx
}

// CodecFromContext retrieves the Codec the bus injected into a handler context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	return fromContext[Codec](ctx, codecCtxKey)
}

// LoggerFromContext retrieves the bus logger from a handler context.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	return fromContext[*xlog.Logger](ctx, loggerCtxKey)
}

// ClockFromContext retrieves the bus clock from a handler context.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	return fromContext[xclock.Clock](ctx, clockCtxKey)
}

// MessageFromContext returns the message currently being handled.
func MessageFromContext(ctx context.Context) (*Message, bool) {
	return fromContext[*Message](ctx, messageCtxKey)
}

func withMessage(ctx context.Context, msg *Message) context.Context {
	return context.WithValue(ctx, messageCtxKey, msg)
}

func fromContext[T comparable](ctx context.Context, key ctxKey) (T, bool) {
	var zero T
	v, ok := ctx.Value(key).(T)
	if !ok || v == zero {
		return zero, false
	}
	return v, true
}
