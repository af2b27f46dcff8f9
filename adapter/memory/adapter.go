package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/trickstertwo/xhist"
)

const TransportName = "memory"

var (
	ErrClosed       = errors.New("memory transport is closed")
	ErrNotConnected = errors.New("memory transport is not connected")
)

func init() {
	if err := xhist.RegisterTransport(TransportName, func(cfg map[string]any) (xhist.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xhist/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	// With one worker a group observes messages in publish order.
	Concurrency int
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	positive := func(v, d int) int {
		if v < 1 {
			return d
		}
		return v
	}

	return Config{
		BufferSize:  positive(getInt("buffer_size", 1024), 1024),
		Concurrency: positive(getInt("concurrency", 1), 1),
		AssignIDs:   getBool("assign_ids", true),
	}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size": c.BufferSize,
		"concurrency": c.Concurrency,
		"assign_ids":  c.AssignIDs,
	}
}

// Transport implements xhist.Transport using in-memory channels (dev/testing).
// Subscriptions are keyed by routing pattern; each consumer group bound to a pattern
// receives one copy of every matching message.
type Transport struct {
	cfg Config

	mu       sync.RWMutex
	bindings map[string]*binding

	connected atomic.Bool
	closed    atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published atomic.Uint64
	consumed  atomic.Uint64
	acked     atomic.Uint64
	rejected  atomic.Uint64
	unrouted  atomic.Uint64
}

var _ xhist.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Transport{
		cfg:      cfg,
		bindings: make(map[string]*binding),
		metrics:  &transportMetrics{},
	}
}

// Connect marks the transport usable. There is nothing to dial.
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.connected.Store(true)
	return nil
}

// Publish fans out messages to every group bound to a pattern matching routingKey.
func (t *Transport) Publish(ctx context.Context, routingKey string, msgs ...*xhist.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.connected.Load() {
		return ErrNotConnected
	}

	t.mu.RLock()
	targets := make([]*group, 0, 4)
	for _, b := range t.bindings {
		if xhist.MatchRoutingKey(b.pattern, routingKey) {
			targets = append(targets, b.snapshot()...)
		}
	}
	t.mu.RUnlock()

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = gonanoid.Must()
		}
		m.RoutingKey = routingKey
		t.metrics.published.Add(1)

		if len(targets) == 0 {
			// No subscribers => drop (pub/sub semantics)
			t.metrics.unrouted.Add(1)
			continue
		}
		for _, g := range targets {
			cp := *m
			task := &deliveryTask{tr: t, msg: &cp, createdAt: time.Now()}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Subscribe registers a handler for a pattern/group with configurable concurrency.
func (t *Transport) Subscribe(ctx context.Context, pattern, groupName string, handler func(xhist.Delivery)) (xhist.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	g := t.ensureGroup(pattern, groupName)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	sub := &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			t.releaseGroup(pattern, g)
			return nil
		},
	}
	// A group nobody reads would fill up and block publishers.
	context.AfterFunc(innerCtx, func() { _ = sub.Close() })
	return sub, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xhist.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task})
		}
	}
}

// Close shuts the transport down. Pending queued messages are discarded.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.connected.Store(false)

	t.mu.Lock()
	t.bindings = make(map[string]*binding)
	t.mu.Unlock()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published uint64
	Consumed  uint64
	Acked     uint64
	Rejected  uint64
	Unrouted  uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.metrics.published.Load(),
		Consumed:  t.metrics.consumed.Load(),
		Acked:     t.metrics.acked.Load(),
		Rejected:  t.metrics.rejected.Load(),
		Unrouted:  t.metrics.unrouted.Load(),
	}
}

type subscription struct {
	once  sync.Once
	close func() error
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.close() })
	return err
}

type binding struct {
	pattern string

	mu     sync.RWMutex
	groups map[string]*group
}

func (b *binding) snapshot() []*group {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*group, 0, len(b.groups))
	for _, g := range b.groups {
		out = append(out, g)
	}
	return out
}

type group struct {
	name  string
	refs  int
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr        *Transport
	msg       *xhist.Message
	createdAt time.Time
}

type memDelivery struct {
	task *deliveryTask
	once sync.Once
}

func (d *memDelivery) Message() *xhist.Message { return d.task.msg }

// Ack marks the message as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.task.tr.metrics.acked.Add(1) })
	return nil
}

// Reject drops the message; it is not redelivered.
func (d *memDelivery) Reject(_ context.Context, _ error) error {
	d.once.Do(func() { d.task.tr.metrics.rejected.Add(1) })
	return nil
}

func (t *Transport) ensureGroup(pattern, name string) *group {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[pattern]
	if !ok {
		b = &binding{pattern: pattern, groups: make(map[string]*group)}
		t.bindings[pattern] = b
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[name]
	if !ok {
		g = &group{name: name, queue: make(chan *deliveryTask, t.cfg.BufferSize)}
		b.groups[name] = g
	}
	g.refs++
	return g
}

func (t *Transport) releaseGroup(pattern string, g *group) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[pattern]
	if !ok {
		return
	}
	b.mu.Lock()
	g.refs--
	if g.refs <= 0 && b.groups[g.name] == g {
		delete(b.groups, g.name)
	}
	empty := len(b.groups) == 0
	b.mu.Unlock()
	if empty {
		delete(t.bindings, pattern)
	}
}
