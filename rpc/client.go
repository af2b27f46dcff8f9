// Package rpc turns fire-and-forget messaging into awaitable calls.
//
// Each call gets a fresh correlation id and a one-slot channel. HandleResponse fills the
// slot; a call that times out removes its entry first, so a late reply finds nothing
// and is dropped.
package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Body is the transport-neutral content of a request or reply.
type Body struct {
	Name    string
	Payload []byte
}

// Result is the outcome of Call. A timeout is a normal outcome with OK == false.
type Result struct {
	OK   bool
	Body Body
}

// Success wraps a reply body.
func Success(b Body) Result { return Result{OK: true, Body: b} }

// Failure is returned when no reply arrived in time.
func Failure() Result { return Result{} }

// PublishFunc sends a request carrying correlationID.
type PublishFunc func(ctx context.Context, correlationID string, body Body) error

// Options configures a Client.
type Options struct {
	// Timeout bounds the wait for a reply (default 5s).
	Timeout time.Duration
	Logger  *xlog.Logger
	Clock   xclock.Clock
	// IDs generates correlation ids (default uuid v4).
	IDs func() string
}

const DefaultTimeout = 5 * time.Second

// Client correlates requests with replies.
type Client struct {
	publish PublishFunc
	timeout time.Duration
	logger  *xlog.Logger
	clock   xclock.Clock
	ids     func() string

	mu      sync.Mutex
	pending map[string]chan Body
}

// NewClient returns a client that sends through publish.
func NewClient(publish PublishFunc, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = xlog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = xclock.Default()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.NewString
	}
	return &Client{
		publish: publish,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		clock:   opts.Clock,
		ids:     opts.IDs,
		pending: make(map[string]chan Body),
	}
}

// Call publishes body and waits for the matching reply, the timeout, or ctx.
// Publish errors and cancellation are logged and reported as Failure.
func (c *Client) Call(ctx context.Context, body Body) Result {
	id := c.ids()
	slot := make(chan Body, 1)

	c.mu.Lock()
	c.pending[id] = slot
	c.mu.Unlock()
	defer c.forget(id)

	start := c.clock.Now()
	if err := c.publish(ctx, id, body); err != nil {
		c.logger.Warn().Err(err).Str("correlation_id", id).Str("name", body.Name).Msg("rpc: publish failed")
		return Failure()
	}

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-slot:
		c.logger.Debug().
			Str("correlation_id", id).
			Str("name", reply.Name).
			Dur("duration", c.clock.Since(start)).
			Msg("rpc: reply received")
		return Success(reply)
	case <-timer.C():
		c.logger.Warn().
			Str("correlation_id", id).
			Str("name", body.Name).
			Dur("timeout", c.timeout).
			Msg("rpc: call timed out")
		return Failure()
	case <-ctx.Done():
		c.logger.Debug().Err(ctx.Err()).Str("correlation_id", id).Msg("rpc: call canceled")
		return Failure()
	}
}

// HandleResponse resolves the pending call for correlationID. Unknown or already
// resolved ids are dropped.
func (c *Client) HandleResponse(body Body, correlationID string) {
	c.mu.Lock()
	slot, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("correlation_id", correlationID).Str("name", body.Name).Msg("rpc: unsolicited reply dropped")
		return
	}
	slot <- body
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
