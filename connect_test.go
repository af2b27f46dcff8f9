package xhist

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

var errBrokerDown = errors.New("broker down")

// flakyTransport fails the first `failures` Connect calls.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	closed   atomic.Bool
}

func (f *flakyTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.calls.Add(1) <= f.failures {
		return errBrokerDown
	}
	return nil
}

func (f *flakyTransport) Publish(context.Context, string, ...*Message) error { return nil }

func (f *flakyTransport) Subscribe(context.Context, string, string, func(Delivery)) (Subscription, error) {
	return nopSubscription{}, nil
}

func (f *flakyTransport) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }

func newFlakyBus(t *testing.T, failures int32) (*Bus, *flakyTransport) {
	t.Helper()
	ft := &flakyTransport{failures: failures}
	b, err := NewBusBuilder().WithTransportInstance(ft).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, ft
}

func TestConnect_NoRetryFailsFast(t *testing.T) {
	b, ft := newFlakyBus(t, 1)

	err := b.Connect(context.Background(), ConnectOptions{})
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Attempts)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, errBrokerDown)
	assert.Equal(t, StateDisconnected, b.State())
	assert.Equal(t, int32(1), ft.calls.Load())

	require.NoError(t, b.Connect(context.Background(), ConnectOptions{}))
	assert.Equal(t, StateConnected, b.State())
}

func TestConnect_RetriesUntilSuccess(t *testing.T) {
	b, ft := newFlakyBus(t, 2)

	err := b.Connect(context.Background(), ConnectOptions{Retry: true, RetryInterval: time.Millisecond, MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, b.State())
	assert.Equal(t, int32(3), ft.calls.Load())

	require.NoError(t, b.Connect(context.Background(), ConnectOptions{}))
	assert.Equal(t, int32(3), ft.calls.Load())
}

func TestConnect_ExhaustsAttempts(t *testing.T) {
	b, ft := newFlakyBus(t, 100)

	err := b.Connect(context.Background(), ConnectOptions{Retry: true, RetryInterval: time.Millisecond, MaxAttempts: 3})
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, int32(3), ft.calls.Load())
	assert.Equal(t, StateDisconnected, b.State())
}

func TestConnect_ContextCancelStopsRetrying(t *testing.T) {
	b, _ := newFlakyBus(t, 1_000_000)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.Connect(ctx, ConnectOptions{Retry: true, RetryInterval: 5 * time.Millisecond})
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, StateDisconnected, b.State())
}

func TestConnect_CloseAbortsRetryLoop(t *testing.T) {
	b, ft := newFlakyBus(t, 1_000_000)

	done := make(chan error, 1)
	go func() {
		done <- b.Connect(context.Background(), ConnectOptions{Retry: true, RetryInterval: 5 * time.Millisecond})
	}()
	require.Eventually(t, func() bool { return ft.calls.Load() > 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.Close(context.Background()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBusClosed)
	case <-time.After(time.Second):
		t.Fatal("connect did not return after close")
	}
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, ft.closed.Load())
	assert.ErrorIs(t, b.Connect(context.Background(), ConnectOptions{}), ErrBusClosed)
}

// firingClock expires every timer immediately, whatever its duration.
type firingClock struct{ xclock.Clock }

func (c firingClock) NewTimer(time.Duration) xclock.Timer {
	return c.Clock.NewTimer(0)
}

func TestConnect_RetryIntervalUsesBusClock(t *testing.T) {
	ft := &flakyTransport{failures: 3}
	b, err := NewBusBuilder().WithTransportInstance(ft).WithClock(firingClock{xclock.Default()}).Build()
	require.NoError(t, err)
	defer b.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx, ConnectOptions{Retry: true, RetryInterval: time.Hour}))
	assert.Equal(t, int32(4), ft.calls.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "state(42)", State(42).String())
}
