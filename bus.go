package xhist

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus is the central Facade handling publish/subscribe against a Transport.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	group        string
	middlewares  []Middleware
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics

	// baseCtx is canceled on Close; every handler invocation and every stream
	// started from Context() derives from it.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	handlerCtx context.Context

	subsMu sync.Mutex
	subs   map[string]*busSubscription

	state     atomic.Int32
	closeOnce sync.Once
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	publishCount atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	rejectCount  atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Logger returns the bus logger.
func (b *Bus) Logger() *xlog.Logger { return b.logger }

// Clock returns the bus clock.
func (b *Bus) Clock() xclock.Clock { return b.clock }

// Group returns the consumer group subscriptions are registered under.
func (b *Bus) Group() string { return b.group }

// Context is canceled when the bus shuts down. Background work spawned on behalf of
// a connection (replay streams) should derive from it.
func (b *Bus) Context() context.Context { return b.handlerCtx }

func (b *Bus) ready() error {
	switch b.State() {
	case StateConnected:
		return nil
	case StateShuttingDown, StateClosed:
		return ErrBusClosed
	default:
		return ErrNotConnected
	}
}

// Publish encodes and sends a payload under a routing key as a named message.
func (b *Bus) Publish(ctx context.Context, routingKey, name string, payload any, opts ...PublishOption) error {
	// CRITICAL: Check state FIRST (before any work)
	if err := b.ready(); err != nil {
		return err
	}
	if !ValidRoutingKey(routingKey) {
		return ErrInvalidRoutingKey
	}
	if name == "" {
		return ErrInvalidEventName
	}

	b.metrics.publishCount.Add(1)

	data, err := b.codec.Marshal(payload)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}

	msg := &Message{
		Name:       name,
		RoutingKey: routingKey,
		Payload:    data,
		ProducedAt: b.clock.Now(),
	}
	for _, o := range opts {
		if o != nil {
			o(msg)
		}
	}

	start := b.clock.Now()
	b.notifyAsync(Event{Type: PublishStart, Topic: routingKey, EventName: name})

	err = b.transport.Publish(ctx, routingKey, msg)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{
		Type:          PublishDone,
		Topic:         routingKey,
		EventName:     name,
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		Duration:      duration,
		Err:           err,
	})

	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// PublishBatch sends multiple events under one routing key in a single transport call.
func (b *Bus) PublishBatch(ctx context.Context, routingKey string, events ...PublishEvent) error {
	if err := b.ready(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if !ValidRoutingKey(routingKey) {
		return ErrInvalidRoutingKey
	}

	// CRITICAL: Validate all events BEFORE any encoding (fail-fast)
	for _, evt := range events {
		if evt.Name == "" {
			return ErrInvalidEventName
		}
		if evt.Payload == nil {
			return ErrInvalidPayload
		}
	}

	b.metrics.publishCount.Add(uint64(len(events)))

	msgs := make([]*Message, len(events))
	for i := range events {
		data, err := b.codec.Marshal(events[i].Payload)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return err
		}
		msgs[i] = &Message{
			Name:       events[i].Name,
			RoutingKey: routingKey,
			Payload:    data,
			Metadata:   events[i].Meta,
			ProducedAt: b.clock.Now(),
		}
	}

	b.notifyAsync(Event{Type: PublishStart, Topic: routingKey, EventName: "batch"})

	start := b.clock.Now()
	err := b.transport.Publish(ctx, routingKey, msgs...)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{
		Type:      PublishDone,
		Topic:     routingKey,
		EventName: "batch",
		Duration:  duration,
		Err:       err,
	})

	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// Subscribe registers the handler for a routing pattern under the bus consumer group.
// Only one handler per pattern is allowed on a bus.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrInvalidSubscription
	}
	if !ValidPattern(pattern) {
		return nil, ErrInvalidPattern
	}

	b.subsMu.Lock()
	if _, exists := b.subs[pattern]; exists {
		b.subsMu.Unlock()
		return nil, ErrDuplicateSubscription
	}
	bs := &busSubscription{bus: b, pattern: pattern}
	b.subs[pattern] = bs
	b.subsMu.Unlock()

	// CRITICAL: Always enable panic recovery first for dependability
	wh := Chain(RecoveryMiddleware()(handler), b.middlewares...)

	// The subscription ends with either the caller's ctx or the bus.
	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.baseCtx, cancel)
	bs.cancel = func() {
		stop()
		cancel()
	}

	inner, err := b.transport.Subscribe(sctx, pattern, b.group, func(d Delivery) {
		b.handleDelivery(pattern, wh, d)
	})
	if err != nil {
		bs.cancel()
		b.subsMu.Lock()
		delete(b.subs, pattern)
		b.subsMu.Unlock()
		return nil, err
	}
	bs.inner = inner
	// Ending the caller's ctx releases the pattern slot and the transport binding.
	context.AfterFunc(sctx, func() { _ = bs.Close() })
	return bs, nil
}

func (b *Bus) handleDelivery(pattern string, wh Handler, d Delivery) {
	// CRITICAL: Panic-safe wrapper for entire lifecycle
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Str("pattern", pattern).Msg("xhist: handler panic (recovered)")
			b.metrics.errorCount.Add(1)
			_ = d.Reject(context.Background(), ErrHandlerPanic)
		}
	}()

	b.metrics.consumeCount.Add(1)
	msg := d.Message()
	hctx := withMessage(b.handlerCtx, msg)

	b.notifyAsync(Event{
		Type:      ConsumeStart,
		Topic:     msg.RoutingKey,
		Group:     b.group,
		MessageID: msg.ID,
		EventName: msg.Name,
	})

	start := b.clock.Now()
	err := wh(hctx, msg)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notifyAsync(Event{
		Type:          ConsumeDone,
		Topic:         msg.RoutingKey,
		Group:         b.group,
		MessageID:     msg.ID,
		EventName:     msg.Name,
		CorrelationID: msg.CorrelationID,
		Duration:      duration,
		Err:           err,
	})

	if err == nil {
		b.metrics.ackCount.Add(1)
		b.settle(d, true, nil)
		b.notifyAsync(Event{Type: Ack, Topic: msg.RoutingKey, Group: b.group, MessageID: msg.ID, EventName: msg.Name})
		return
	}

	if errors.Is(err, ErrMissingReplyField) {
		b.logger.Warn().Err(err).Str("routing_key", msg.RoutingKey).Msg("xhist: protocol violation, rejecting")
	}
	b.metrics.rejectCount.Add(1)
	b.settle(d, false, err)
	b.notifyAsync(Event{Type: Reject, Topic: msg.RoutingKey, Group: b.group, MessageID: msg.ID, EventName: msg.Name, CorrelationID: msg.CorrelationID, Err: err})
}

// settle acks or rejects with the configured timeout. It uses a fresh context so a
// delivery finished during shutdown is still settled.
func (b *Bus) settle(d Delivery, ack bool, reason error) {
	actx := context.Background()
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: Error, Err: err})
			b.logger.Warn().Err(err).Msg("xhist: ack failed")
		}
		return
	}

	if err := d.Reject(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Err: err})
		b.logger.Warn().Err(err).Msg("xhist: reject failed")
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Rejected:            b.metrics.rejectCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports Unhealthy unless connected, and Degraded once errors exceed
// degradedErrorRate of published messages.
func (b *Bus) Health(_ context.Context) HealthStatus {
	state := b.State()
	hs := HealthStatus{
		Status:    Healthy,
		State:     state,
		StateName: state.String(),
		Timestamp: b.clock.Now(),
	}
	if state != StateConnected {
		hs.Status = Unhealthy
		hs.Message = "bus is " + state.String()
		return hs
	}

	hs.Metrics = b.GetMetrics()
	if m := hs.Metrics; m.Errors > 0 && m.Published > 0 &&
		float64(m.Errors)/float64(m.Published) > degradedErrorRate {
		hs.Status = Degraded
		hs.Message = "error rate above " + strconv.FormatFloat(degradedErrorRate*100, 'f', -1, 64) + "%"
	}
	return hs
}

// Close stops consuming, cancels in-flight handlers and streams, and closes the transport.
// CRITICAL: Idempotent via sync.Once, cleanup ordering, error handling.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.state.Store(int32(StateShuttingDown))
		b.logger.Info().Msg("xhist: shutting down")

		// 1. Cancel handler invocations and detached streams
		b.cancelBase()

		// 2. Stop consuming
		b.subsMu.Lock()
		subs := make([]*busSubscription, 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.subsMu.Unlock()
		for _, s := range subs {
			if err := s.Close(); err != nil {
				b.logger.Warn().Err(err).Str("pattern", s.pattern).Msg("xhist: subscription close failed")
			}
		}

		// 3. Drain observer pool
		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xhist: observer pool shutdown timeout")
				closeErr = err
			}
		}

		// 4. Close transport
		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xhist: transport close failed")
			closeErr = err
		}

		b.state.Store(int32(StateClosed))
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events asynchronously (non-blocking).
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil || b.State() == StateClosed {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime records processing time using exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}

// busSubscription releases the pattern slot when closed.
type busSubscription struct {
	bus     *Bus
	pattern string
	inner   Subscription
	cancel  func()
	once    sync.Once
}

func (s *busSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.inner != nil {
			err = s.inner.Close()
		}
		s.bus.subsMu.Lock()
		if s.bus.subs[s.pattern] == s {
			delete(s.bus.subs, s.pattern)
		}
		s.bus.subsMu.Unlock()
	})
	return err
}
