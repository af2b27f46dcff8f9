package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xhist"
)

func TestTransport_FanOutPerGroup(t *testing.T) {
	tr := NewTransport(Config{AssignIDs: true})
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close(ctx)

	a := make(chan *xhist.Message, 4)
	b := make(chan *xhist.Message, 4)
	_, err := tr.Subscribe(ctx, "events.*", "store", func(d xhist.Delivery) { a <- d.Message(); _ = d.Ack(ctx) })
	require.NoError(t, err)
	_, err = tr.Subscribe(ctx, "events.#", "names", func(d xhist.Delivery) { b <- d.Message(); _ = d.Ack(ctx) })
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "events.PERSON_ADDED", &xhist.Message{Name: "PERSON_ADDED"}))

	for _, ch := range []chan *xhist.Message{a, b} {
		select {
		case m := <-ch:
			assert.Equal(t, "events.PERSON_ADDED", m.RoutingKey)
			assert.NotEmpty(t, m.ID)
		case <-time.After(time.Second):
			t.Fatal("group did not receive the message")
		}
	}
	require.Eventually(t, func() bool { return tr.Stats().Acked == 2 }, time.Second, time.Millisecond)
}

func TestTransport_CanceledSubscriptionUnbinds(t *testing.T) {
	const buffer = 2
	tr := NewTransport(Config{BufferSize: buffer})
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close(ctx)

	subCtx, cancel := context.WithCancel(ctx)
	_, err := tr.Subscribe(subCtx, "jobs.#", "workers", func(d xhist.Delivery) { _ = d.Ack(ctx) })
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		tr.mu.RLock()
		defer tr.mu.RUnlock()
		return len(tr.bindings) == 0
	}, time.Second, time.Millisecond)

	pubCtx, pubCancel := context.WithTimeout(ctx, time.Second)
	defer pubCancel()
	for range 4 * buffer {
		require.NoError(t, tr.Publish(pubCtx, "jobs.run", &xhist.Message{Name: "RUN"}))
	}
	assert.Equal(t, uint64(4*buffer), tr.Stats().Unrouted)
}

func TestTransport_RequiresConnect(t *testing.T) {
	tr := NewTransport(Config{})
	err := tr.Publish(context.Background(), "jobs.run", &xhist.Message{Name: "RUN"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, tr.Close(context.Background()))
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrClosed)
}
