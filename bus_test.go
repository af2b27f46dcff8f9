package xhist_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xhist"
	"github.com/trickstertwo/xhist/adapter/memory"
)

type ping struct {
	N int `json:"n"`
}

func newBus(t *testing.T, opts ...memory.Option) *xhist.Bus {
	t.Helper()
	bus, err := memory.New(memory.Config{Concurrency: 1, AssignIDs: true}, append([]memory.Option{memory.WithGroup("bus-test")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, bus.Connect(context.Background(), xhist.ConnectOptions{}))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	got := make(chan ping, 3)
	_, err := bus.Subscribe(ctx, "events.*", func(ctx context.Context, msg *xhist.Message) error {
		p, err := xhist.Decode[ping](ctx, msg)
		if err != nil {
			return err
		}
		got <- p
		return nil
	})
	require.NoError(t, err)

	for i := range 3 {
		require.NoError(t, bus.Publish(ctx, "events.PING", "PING", ping{N: i}))
	}
	require.NoError(t, bus.Publish(ctx, "other.PING", "PING", ping{N: 99}))

	for i := range 3 {
		select {
		case p := <-got:
			assert.Equal(t, i, p.N)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
	require.Eventually(t, func() bool { return bus.GetMetrics().Acked == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(4), bus.GetMetrics().Published)
}

func TestBus_ValidatesArguments(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	assert.ErrorIs(t, bus.Publish(ctx, "events.*", "PING", ping{}), xhist.ErrInvalidRoutingKey)
	assert.ErrorIs(t, bus.Publish(ctx, "events.PING", "", ping{}), xhist.ErrInvalidEventName)

	_, err := bus.Subscribe(ctx, "events..x", func(context.Context, *xhist.Message) error { return nil })
	assert.ErrorIs(t, err, xhist.ErrInvalidPattern)
	_, err = bus.Subscribe(ctx, "events.x", nil)
	assert.ErrorIs(t, err, xhist.ErrInvalidSubscription)
}

func TestBus_DuplicateSubscription(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()
	noop := func(context.Context, *xhist.Message) error { return nil }

	sub, err := bus.Subscribe(ctx, "events.#", noop)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "events.#", noop)
	require.ErrorIs(t, err, xhist.ErrDuplicateSubscription)

	require.NoError(t, sub.Close())
	_, err = bus.Subscribe(ctx, "events.#", noop)
	require.NoError(t, err)
}

func TestBus_CanceledSubscriptionReleasesPattern(t *testing.T) {
	const buffer = 4
	bus, err := memory.New(memory.Config{BufferSize: buffer, Concurrency: 1, AssignIDs: true}, memory.WithGroup("bus-test"))
	require.NoError(t, err)
	require.NoError(t, bus.Connect(context.Background(), xhist.ConnectOptions{}))
	defer bus.Close(context.Background())

	subCtx, cancel := context.WithCancel(context.Background())
	_, err = bus.Subscribe(subCtx, "events.#", func(context.Context, *xhist.Message) error { return nil })
	require.NoError(t, err)
	cancel()

	got := make(chan *xhist.Message, 1)
	require.Eventually(t, func() bool {
		_, err := bus.Subscribe(context.Background(), "events.#", func(_ context.Context, msg *xhist.Message) error {
			select {
			case got <- msg:
			default:
			}
			return nil
		})
		return err == nil
	}, time.Second, time.Millisecond)

	pubCtx, pubCancel := context.WithTimeout(context.Background(), time.Second)
	defer pubCancel()
	for i := range 4 * buffer {
		require.NoError(t, bus.Publish(pubCtx, "events.PING", "PING", ping{N: i}))
	}
	select {
	case msg := <-got:
		assert.Equal(t, "PING", msg.Name)
	case <-time.After(time.Second):
		t.Fatal("replacement handler received nothing")
	}
}

func TestBus_HandlerFailuresAreRejected(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := bus.Subscribe(ctx, "events.#", func(_ context.Context, msg *xhist.Message) error {
		calls.Add(1)
		if msg.Name == "PANIC" {
			panic("handler blew up")
		}
		return errors.New("nope")
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "events.A", "FAIL", ping{}))
	require.NoError(t, bus.Publish(ctx, "events.B", "PANIC", ping{}))

	require.Eventually(t, func() bool { return bus.GetMetrics().Rejected == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, bus.GetMetrics().Acked)
}

func TestBus_RespondRoundTrip(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	_, err := bus.Respond(ctx, "queries.ping", func(ctx context.Context, req *xhist.Message) (string, any, error) {
		p, err := xhist.Decode[ping](ctx, req)
		if err != nil {
			return "", nil, err
		}
		return "PONG", ping{N: p.N + 1}, nil
	})
	require.NoError(t, err)

	replies := make(chan *xhist.Message, 1)
	_, err = bus.Subscribe(ctx, "replies.bus-test", func(_ context.Context, msg *xhist.Message) error {
		replies <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "queries.ping", "PING", ping{N: 41},
		xhist.WithCorrelationID("corr-1"),
		xhist.WithReplyTo("replies.bus-test"),
	))

	select {
	case msg := <-replies:
		assert.Equal(t, "PONG", msg.Name)
		assert.Equal(t, "corr-1", msg.CorrelationID)
		p, err := xhist.DecodeCodec[ping](xhist.JSONCodec{}, msg)
		require.NoError(t, err)
		assert.Equal(t, 42, p.N)
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestBus_RespondRejectsRequestWithoutReplyTo(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	var invoked atomic.Bool
	_, err := bus.Respond(ctx, "queries.ping", func(context.Context, *xhist.Message) (string, any, error) {
		invoked.Store(true)
		return "PONG", ping{}, nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "queries.ping", "PING", ping{}, xhist.WithCorrelationID("corr-2")))

	require.Eventually(t, func() bool { return bus.GetMetrics().Rejected == 1 }, time.Second, time.Millisecond)
	assert.False(t, invoked.Load())

	err = bus.Reply(ctx, &xhist.Message{CorrelationID: "corr-2"}, "PONG", ping{})
	assert.ErrorIs(t, err, xhist.ErrMissingReplyField)
}

func TestBus_CloseCancelsHandlers(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	started := make(chan struct{})
	finished := make(chan error, 1)
	_, err := bus.Subscribe(ctx, "jobs.slow", func(hctx context.Context, _ *xhist.Message) error {
		close(started)
		<-hctx.Done()
		finished <- hctx.Err()
		return hctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "jobs.slow", "SLOW", ping{}))

	<-started
	closed := make(chan error, 1)
	go func() { closed <- bus.Close(context.Background()) }()

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("handler context was not canceled")
	}
	require.NoError(t, <-closed)
	assert.Error(t, bus.Context().Err())
	assert.Equal(t, xhist.StateClosed, bus.State())

	assert.ErrorIs(t, bus.Publish(ctx, "jobs.slow", "SLOW", ping{}), xhist.ErrBusClosed)
	_, err = bus.Subscribe(ctx, "jobs.other", func(context.Context, *xhist.Message) error { return nil })
	assert.ErrorIs(t, err, xhist.ErrBusClosed)
	require.NoError(t, bus.Close(ctx))
}

func TestBus_NotConnected(t *testing.T) {
	bus, err := memory.New(memory.Config{})
	require.NoError(t, err)
	defer bus.Close(context.Background())

	assert.ErrorIs(t, bus.Publish(context.Background(), "events.PING", "PING", ping{}), xhist.ErrNotConnected)
	assert.Equal(t, xhist.Unhealthy, bus.Health(context.Background()).Status)
}

func TestBus_HealthAndObservers(t *testing.T) {
	var mu sync.Mutex
	seen := map[xhist.EventType]int{}
	bus := newBus(t, memory.WithObserver(xhist.ObserverFunc(func(e xhist.Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})))
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "events.#", func(context.Context, *xhist.Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "events.PING", "PING", ping{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[xhist.Ack] == 1 && seen[xhist.PublishDone] == 1
	}, time.Second, time.Millisecond)

	h := bus.Health(ctx)
	assert.Equal(t, xhist.Healthy, h.Status)
	assert.Equal(t, xhist.StateConnected, h.State)
}

func TestObserverPool_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := xhist.NewObserverPool(context.Background(), 1, 1)
	slow := xhist.ObserverFunc(func(xhist.Event) { <-block })

	for range 10 {
		pool.Notify(xhist.Event{Type: xhist.PublishDone}, []xhist.Observer{slow})
	}
	assert.Positive(t, pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Close(time.Second))
	st := pool.Stats()
	assert.Equal(t, uint64(10), st.Dropped+st.Processed)
}
