package xhist

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(n int, calls *int) Handler {
	return func(context.Context, *Message) error {
		*calls++
		if *calls <= n {
			return errors.New("transient")
		}
		return nil
	}
}

func TestRetryMiddleware(t *testing.T) {
	calls := 0
	h := RetryMiddleware(RetryConfig{MaxAttempts: 3})(failing(2, &calls))
	require.NoError(t, h(context.Background(), &Message{}))
	assert.Equal(t, 3, calls)

	calls = 0
	h = RetryMiddleware(RetryConfig{MaxAttempts: 2, Backoff: func(int) time.Duration { return time.Millisecond }})(failing(5, &calls))
	assert.Error(t, h(context.Background(), &Message{}))
	assert.Equal(t, 2, calls)
}

func TestRetryMiddleware_SkipsProtocolViolations(t *testing.T) {
	calls := 0
	h := RetryMiddleware(RetryConfig{MaxAttempts: 5})(func(context.Context, *Message) error {
		calls++
		return &MissingReplyFieldError{Field: "replyTo"}
	})
	err := h(context.Background(), &Message{})
	assert.ErrorIs(t, err, ErrMissingReplyField)
	assert.Equal(t, 1, calls)

	calls = 0
	permanent := errors.New("permanent")
	h = RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(func(context.Context, *Message) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, h(context.Background(), &Message{}), permanent)
	assert.Equal(t, 1, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	h := TimeoutMiddleware(10 * time.Millisecond)(func(ctx context.Context, _ *Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, h(context.Background(), &Message{}), context.DeadlineExceeded)

	h = TimeoutMiddleware(time.Second)(func(context.Context, *Message) error { panic("boom") })
	assert.ErrorIs(t, h(context.Background(), &Message{}), ErrHandlerPanic)

	called := false
	h = TimeoutMiddleware(0)(func(context.Context, *Message) error { called = true; return nil })
	require.NoError(t, h(context.Background(), &Message{}))
	assert.True(t, called)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Message) error { panic("kaput") })
	err := h(context.Background(), &Message{})
	require.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "kaput")
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg *Message) error {
				trace = append(trace, name)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, *Message) error {
		trace = append(trace, "handler")
		return nil
	}, mark("outer"), nil, mark("inner"))

	require.NoError(t, h(context.Background(), &Message{}))
	assert.Equal(t, "outer,inner,handler", strings.Join(trace, ","))
}

func TestRequireReply(t *testing.T) {
	called := false
	h := RequireReply()(func(context.Context, *Message) error { called = true; return nil })

	err := h(context.Background(), &Message{RoutingKey: "queries.names", CorrelationID: "c-1"})
	var mr *MissingReplyFieldError
	require.ErrorAs(t, err, &mr)
	assert.Equal(t, "replyTo", mr.Field)
	assert.Equal(t, "c-1", mr.CorrelationID)
	assert.False(t, called)

	require.NoError(t, h(context.Background(), &Message{CorrelationID: "c-1", ReplyTo: "replies.x"}))
	require.NoError(t, h(context.Background(), &Message{}))
	assert.True(t, called)
}
