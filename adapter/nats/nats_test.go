package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xhist"
)

// testConfig points at NATS_URL and skips when no server answers.
func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := Defaults()
	cfg.DialTimeout = time.Second
	cfg.MaxReconnects = 0
	nc, err := natsgo.Connect(cfg.URL, natsgo.Timeout(time.Second), natsgo.MaxReconnects(0))
	if err != nil {
		t.Skipf("NATS not available at %s: %v", cfg.URL, err)
	}
	nc.Close()

	cfg.SubjectPrefix = fmt.Sprintf("xhist-test-%d", time.Now().UnixNano())
	return cfg
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"url":            "nats://broker:4222",
		"max_reconnects": float64(5),
		"reconnect_wait": "250ms",
		"subject_prefix": "hist",
		"dead_letter":    "dlq",
	})

	assert.Equal(t, "nats://broker:4222", cfg.URL)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectWait)
	assert.Equal(t, "hist", cfg.SubjectPrefix)
	assert.Equal(t, "dlq", cfg.DeadLetter)
	assert.Equal(t, Defaults().DialTimeout, cfg.DialTimeout)
	require.NoError(t, cfg.Validate())

	cfg.PendingLimit = 0
	assert.Error(t, cfg.Validate())
}

func TestSubjectPattern(t *testing.T) {
	tests := []struct {
		prefix, pattern, want string
		err                   error
	}{
		{"", "events.PERSON_ADDED", "events.PERSON_ADDED", nil},
		{"", "events.*", "events.*", nil},
		{"", "events.#", "events.>", nil},
		{"hist", "#", "hist.>", nil},
		{"hist", "a.*.c", "hist.a.*.c", nil},
		{"", "a.#.c", "", ErrPatternUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := SubjectPattern(tt.prefix, tt.pattern)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvelopeKeepsMessageFields(t *testing.T) {
	in := &xhist.Message{
		ID:            "m-1",
		Name:          "PERSON_ADDED",
		CorrelationID: "c-1",
		ReplyTo:       "replies.x",
		Payload:       []byte(`{"personId":"p1"}`),
		Metadata:      map[string]string{"trace": "t-1"},
		ProducedAt:    time.Unix(1700000000, 42).UTC(),
	}
	data, err := encode(in)
	require.NoError(t, err)

	out, err := decode(data)
	require.NoError(t, err)
	assert.True(t, in.ProducedAt.Equal(out.ProducedAt))
	out.ProducedAt = in.ProducedAt
	assert.Equal(t, in, out)

	_, err = decode([]byte("not json"))
	assert.Error(t, err)
}

func TestTransport_RequiresConnect(t *testing.T) {
	tr, err := NewTransport(Defaults())
	require.NoError(t, err)

	err = tr.Publish(context.Background(), "events.x", &xhist.Message{Name: "X"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, tr.Close(context.Background()))
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrClosed)
	_, err = tr.Subscribe(context.Background(), "events.x", "g", func(xhist.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransport_PublishSubscribe(t *testing.T) {
	cfg := testConfig(t)
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close(ctx)

	var mu sync.Mutex
	var got []*xhist.Message
	_, err = tr.Subscribe(ctx, "events.#", "projection", func(d xhist.Delivery) {
		mu.Lock()
		got = append(got, d.Message())
		mu.Unlock()
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)

	for i := range 5 {
		msg := &xhist.Message{Name: "PERSON_ADDED", Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))}
		require.NoError(t, tr.Publish(ctx, "events.PERSON_ADDED", msg))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, m := range got {
		assert.Equal(t, "events.PERSON_ADDED", m.RoutingKey)
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(m.Payload))
		assert.NotEmpty(t, m.ID)
	}
	assert.Equal(t, uint64(5), tr.Stats().Acked)
}

func TestTransport_RejectDeadLetters(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLetter = "dead"
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close(ctx)

	dead := make(chan *xhist.Message, 1)
	_, err = tr.Subscribe(ctx, "dead", "", func(d xhist.Delivery) {
		dead <- d.Message()
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	_, err = tr.Subscribe(ctx, "commands.append", "store", func(d xhist.Delivery) {
		_ = d.Reject(ctx, errors.New("boom"))
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "commands.append", &xhist.Message{Name: "APPEND_EVENTS"}))

	select {
	case m := <-dead:
		assert.Equal(t, "APPEND_EVENTS", m.Name)
		assert.Equal(t, "commands.append", m.Metadata["origRoutingKey"])
		assert.Equal(t, "boom", m.Metadata["error"])
	case <-time.After(3 * time.Second):
		t.Fatal("no dead letter")
	}
}

func TestBus_RespondOverNATS(t *testing.T) {
	cfg := testConfig(t)
	bus, err := New(cfg, WithGroup("nats-test"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx, xhist.ConnectOptions{}))
	defer bus.Close(ctx)

	_, err = bus.Respond(ctx, "queries.ping", func(context.Context, *xhist.Message) (string, any, error) {
		return "PONG", map[string]string{"ok": "yes"}, nil
	})
	require.NoError(t, err)

	replies := make(chan *xhist.Message, 1)
	_, err = bus.Subscribe(ctx, "replies.ping", func(_ context.Context, msg *xhist.Message) error {
		replies <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "queries.ping", "PING", struct{}{},
		xhist.WithCorrelationID("corr-1"),
		xhist.WithReplyTo("replies.ping"),
	))

	select {
	case msg := <-replies:
		assert.Equal(t, "PONG", msg.Name)
		assert.Equal(t, "corr-1", msg.CorrelationID)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
	}
}
