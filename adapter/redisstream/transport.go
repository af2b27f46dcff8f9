package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xhist"
)

var (
	ErrClosed             = errors.New("redisstream: transport is closed")
	ErrPatternUnsupported = errors.New("redisstream: wildcard patterns are not supported by redis streams")
)

// Transport implements xhist.Transport on top of Redis Streams.
type Transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	claimed       atomic.Uint64
	acked         atomic.Uint64
	rejected      atomic.Uint64
	deadLettered  atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xhist.Transport = (*Transport)(nil)

// NewTransport validates cfg and prepares a client. No network traffic happens until Connect.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}

	return &Transport{
		cfg:     cfg,
		client:  redis.NewClient(opts),
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}, nil
}

// Connect verifies the server answers PING.
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}

	pingCtx, cancel := context.WithTimeout(ctx, max(t.cfg.DialTimeout, time.Second))
	defer cancel()

	res, err := t.client.Ping(pingCtx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

// Publish appends messages to the stream named by routingKey (pipelined XADD).
func (t *Transport) Publish(ctx context.Context, routingKey string, msgs ...*xhist.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		if m == nil {
			continue
		}
		m.RoutingKey = routingKey
		args := &redis.XAddArgs{
			Stream: routingKey,
			ID:     "*",
			Values: encodeValues(m),
		}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return err
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
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

// Subscribe consumes the stream named by pattern within a consumer group.
func (t *Transport) Subscribe(ctx context.Context, pattern, group string, handler func(xhist.Delivery)) (xhist.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if xhist.HasWildcard(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrPatternUnsupported, pattern)
	}

	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, pattern, group, t.cfg.StartID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %q on %q: %w", group, pattern, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan *delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	// producers feed workCh; it is closed once all of them stop
	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		t.pollerLoop(innerCtx, pattern, group, workCh)
	}()
	if t.cfg.ClaimMinIdle > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			t.claimLoop(innerCtx, pattern, group, workCh)
		}()
	}
	go func() {
		producers.Wait()
		close(workCh)
	}()

	return &subscription{
		close: func() error {
			cancel()
			producers.Wait()
			wg.Wait()
			return nil
		},
	}, nil
}

// pollerLoop reads new entries with XREADGROUP and distributes them to workers.
func (t *Transport) pollerLoop(ctx context.Context, stream, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	const minBackoff, maxBackoff = 100 * time.Millisecond, 5 * time.Second
	backoff := minBackoff

	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = minBackoff
				continue
			}
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		for _, s := range res {
			for _, entry := range s.Messages {
				t.metrics.consumed.Add(1)
				if !t.dispatch(ctx, stream, group, entry, workCh) {
					return
				}
			}
		}
	}
}

// claimLoop takes over entries left pending by consumers that died mid-processing.
func (t *Transport) claimLoop(ctx context.Context, stream, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			entries, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: t.cfg.Consumer,
				MinIdle:  t.cfg.ClaimMinIdle,
				Start:    start,
				Count:    int64(max(1, t.cfg.ClaimBatch)),
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.metrics.consumeErrors.Add(1)
				break
			}
			for _, entry := range entries {
				t.metrics.claimed.Add(1)
				if !t.dispatch(ctx, stream, group, entry, workCh) {
					return
				}
			}
			if next == "0-0" || len(entries) == 0 {
				break
			}
			start = next
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, stream, group string, entry redis.XMessage, workCh chan<- *delivery) bool {
	d := t.newDelivery()
	d.t = t
	d.stream = stream
	d.group = group
	d.id = entry.ID
	d.msg = decodeMessage(stream, entry.ID, entry.Values)

	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

func (t *Transport) newDelivery() *delivery {
	return t.dpool.Get().(*delivery)
}

func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// Close releases the client. Subscriptions should be closed first.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Stats returns transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Claimed       uint64
	Acked         uint64
	Rejected      uint64
	DeadLettered  uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Claimed:       t.metrics.claimed.Load(),
		Acked:         t.metrics.acked.Load(),
		Rejected:      t.metrics.rejected.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}
