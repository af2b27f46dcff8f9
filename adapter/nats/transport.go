package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"

	"github.com/trickstertwo/xhist"
)

var (
	ErrClosed             = errors.New("nats: transport is closed")
	ErrNotConnected       = errors.New("nats: transport is not connected")
	ErrPatternUnsupported = errors.New("nats: '#' is only supported as the last word of a pattern")
)

// Transport implements xhist.Transport on core NATS subjects. Routing keys map to subjects
// one to one; consumer groups map to queue groups.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	nc     *natsgo.Conn
	subs   map[*natsgo.Subscription]struct{}
	closed chan struct{}

	shut atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	rejected      atomic.Uint64
	deadLettered  atomic.Uint64
	decodeErrors  atomic.Uint64
	publishErrors atomic.Uint64
}

var _ xhist.Transport = (*Transport)(nil)

// envelope is the wire frame of one message.
type envelope struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ProducedAt    time.Time         `json:"producedAt"`
}

// NewTransport validates cfg. The connection is opened by Connect.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{
		cfg:     cfg,
		subs:    make(map[*natsgo.Subscription]struct{}),
		metrics: &transportMetrics{},
	}, nil
}

// Connect dials the server. Calling it again after a failure retries the dial.
func (t *Transport) Connect(ctx context.Context) error {
	if t.shut.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc != nil && !t.nc.IsClosed() {
		return nil
	}

	closed := make(chan struct{})
	nc, err := natsgo.Connect(t.cfg.URL,
		natsgo.Name(t.cfg.Name),
		natsgo.MaxReconnects(t.cfg.MaxReconnects),
		natsgo.ReconnectWait(t.cfg.ReconnectWait),
		natsgo.Timeout(t.cfg.DialTimeout),
		natsgo.ClosedHandler(func(*natsgo.Conn) { close(closed) }),
	)
	if err != nil {
		return fmt.Errorf("nats: connect %s: %w", t.cfg.URL, err)
	}
	t.nc = nc
	t.closed = closed
	return nil
}

func (t *Transport) conn() (*natsgo.Conn, error) {
	if t.shut.Load() {
		return nil, ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc == nil {
		return nil, ErrNotConnected
	}
	return t.nc, nil
}

// Publish sends each message to the subject of routingKey.
func (t *Transport) Publish(ctx context.Context, routingKey string, msgs ...*xhist.Message) error {
	nc, err := t.conn()
	if err != nil {
		return err
	}
	subject := t.subject(routingKey)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.ID == "" {
			m.ID = gonanoid.Must()
		}
		m.RoutingKey = routingKey

		data, err := encode(m)
		if err != nil {
			return err
		}
		if err := nc.Publish(subject, data); err != nil {
			t.metrics.publishErrors.Add(1)
			return fmt.Errorf("nats: publish %s: %w", subject, err)
		}
		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe binds handler to pattern. Messages of one subscription are handled one at a time
// in arrival order. An empty group subscribes without a queue group.
func (t *Transport) Subscribe(ctx context.Context, pattern, group string, handler func(xhist.Delivery)) (xhist.Subscription, error) {
	nc, err := t.conn()
	if err != nil {
		return nil, err
	}
	subject, err := SubjectPattern(t.cfg.SubjectPrefix, pattern)
	if err != nil {
		return nil, err
	}

	cb := func(msg *natsgo.Msg) {
		m, err := decode(msg.Data)
		if err != nil {
			t.metrics.decodeErrors.Add(1)
			return
		}
		m.RoutingKey = t.routingKey(msg.Subject)
		t.metrics.consumed.Add(1)
		handler(&delivery{t: t, msg: m})
	}

	var sub *natsgo.Subscription
	if group != "" {
		sub, err = nc.QueueSubscribe(subject, group, cb)
	} else {
		sub, err = nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}
	if err := sub.SetPendingLimits(t.cfg.PendingLimit, natsgo.DefaultSubPendingBytesLimit); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	s := &subscription{t: t, sub: sub}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done():
		}
	}()
	return s, nil
}

// Close drains subscriptions and the connection, waiting until ctx ends at most.
func (t *Transport) Close(ctx context.Context) error {
	if t.shut.Swap(true) {
		return nil
	}

	t.mu.Lock()
	nc, closed := t.nc, t.closed
	t.subs = make(map[*natsgo.Subscription]struct{})
	t.mu.Unlock()

	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return err
	}
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		nc.Close()
		return ctx.Err()
	}
}

// Stats is transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Rejected      uint64
	DeadLettered  uint64
	DecodeErrors  uint64
	PublishErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Rejected:      t.metrics.rejected.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		DecodeErrors:  t.metrics.decodeErrors.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
	}
}

func (t *Transport) subject(routingKey string) string {
	if t.cfg.SubjectPrefix == "" {
		return routingKey
	}
	return t.cfg.SubjectPrefix + "." + routingKey
}

func (t *Transport) routingKey(subject string) string {
	if t.cfg.SubjectPrefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, t.cfg.SubjectPrefix+".")
}

// SubjectPattern translates a routing pattern to a NATS subject filter: '*' stays a single
// word wildcard and a trailing '#' becomes '>'. NATS '>' needs at least one word, so
// "a.#" does not match "a" itself.
func SubjectPattern(prefix, pattern string) (string, error) {
	if !xhist.ValidPattern(pattern) {
		return "", fmt.Errorf("nats: invalid pattern %q", pattern)
	}
	words := strings.Split(pattern, ".")
	for i, w := range words {
		if w != "#" {
			continue
		}
		if i != len(words)-1 {
			return "", ErrPatternUnsupported
		}
		words[i] = ">"
	}
	subject := strings.Join(words, ".")
	if prefix != "" {
		subject = prefix + "." + subject
	}
	return subject, nil
}

func encode(m *xhist.Message) ([]byte, error) {
	return json.Marshal(envelope{
		ID:            m.ID,
		Name:          m.Name,
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Payload:       m.Payload,
		Metadata:      m.Metadata,
		ProducedAt:    m.ProducedAt,
	})
}

func decode(data []byte) (*xhist.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("nats: decode envelope: %w", err)
	}
	return &xhist.Message{
		ID:            env.ID,
		Name:          env.Name,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Payload:       env.Payload,
		Metadata:      env.Metadata,
		ProducedAt:    env.ProducedAt,
	}, nil
}

type subscription struct {
	t    *Transport
	sub  *natsgo.Subscription
	once sync.Once
	fin  chan struct{}
	mu   sync.Mutex
}

func (s *subscription) done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fin == nil {
		s.fin = make(chan struct{})
	}
	return s.fin
}

// Close lets in-flight messages finish, then removes the interest.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		fin := s.done()
		defer close(fin)

		if !s.sub.IsValid() {
			return
		}
		err = s.sub.Drain()
		s.t.mu.Lock()
		delete(s.t.subs, s.sub)
		s.t.mu.Unlock()
	})
	return err
}
