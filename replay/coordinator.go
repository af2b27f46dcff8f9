// Package replay streams the event log to requesters so they can rebuild projections.
//
// A request is validated synchronously; the stream itself runs in its own goroutine,
// sending one frame at a time and waiting for each send to return before reading on.
package replay

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/time/rate"

	"github.com/trickstertwo/xhist/eventlog"
)

// SendFunc delivers one frame. Returning an error ends the stream.
type SendFunc func(ctx context.Context, f Frame) error

// CloseFunc tells the transport that a stream is over. It runs exactly once per stream.
type CloseFunc func()

// Options configures a Coordinator.
type Options struct {
	Logger *xlog.Logger
	Clock  xclock.Clock
	// Rate caps frames per second per stream; zero means unpaced (the stream only yields
	// the processor between sends).
	Rate  rate.Limit
	Burst int
}

// Coordinator owns the live replay streams.
type Coordinator struct {
	log    eventlog.Log
	logger *xlog.Logger
	clock  xclock.Clock
	rate   rate.Limit
	burst  int

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[*Stream]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewCoordinator returns a coordinator reading from log.
func NewCoordinator(log eventlog.Log, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = xlog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = xclock.Default()
	}
	if opts.Rate > 0 && opts.Burst < 1 {
		opts.Burst = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:     log,
		logger:  opts.Logger,
		clock:   opts.Clock,
		rate:    opts.Rate,
		burst:   opts.Burst,
		base:    base,
		cancel:  cancel,
		streams: make(map[*Stream]struct{}),
	}
}

// HandleReplayRequest parses raw and starts a stream. Malformed requests are logged and
// returned as an error; nothing is sent and no stream starts.
func (c *Coordinator) HandleReplayRequest(ctx context.Context, raw []byte, send SendFunc, closeFn CloseFunc) (*Stream, error) {
	req, err := ParseRequest(raw)
	if err != nil {
		c.logger.Warn().Err(err).Msg("replay: request discarded")
		return nil, err
	}
	return c.Start(ctx, req, send, closeFn)
}

// Start validates req and streams events after req.Payload.LastEventID. The stream stops
// when ctx is canceled, the stream is canceled, or the coordinator closes.
func (c *Coordinator) Start(ctx context.Context, req Request, send SendFunc, closeFn CloseFunc) (*Stream, error) {
	if err := req.Validate(); err != nil {
		c.logger.Warn().Err(err).Msg("replay: request discarded")
		return nil, err
	}
	order, _ := eventlog.ParseOrder(req.Payload.Order)
	if closeFn == nil {
		closeFn = func() {}
	}

	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.base, cancel)

	s := &Stream{
		id:     uuid.NewString(),
		after:  req.Payload.LastEventID,
		order:  order,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		cancel()
		return nil, ErrClosed
	}
	c.streams[s] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			stop()
			cancel()
			closeFn()
			c.mu.Lock()
			delete(c.streams, s)
			c.mu.Unlock()
			close(s.done)
		}()
		s.err = c.run(sctx, s, send)
	}()

	return s, nil
}

func (c *Coordinator) run(ctx context.Context, s *Stream, send SendFunc) error {
	logger := c.logger.With(
		xlog.Str("stream", s.id),
		xlog.Str("order", s.order.String()),
	)
	start := c.clock.Now()
	logger.Info().Str("after", strconv.FormatInt(s.after, 10)).Msg("replay: stream started")

	var limiter *rate.Limiter
	if c.rate > 0 {
		limiter = rate.NewLimiter(c.rate, c.burst)
	}

	for e, err := range c.log.Read(ctx, s.after, s.order) {
		if err != nil {
			logger.Warn().Err(err).Msg("replay: read failed")
			return err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		} else {
			runtime.Gosched()
		}

		ev := e
		if err := send(ctx, Frame{Type: string(e.Type), Event: &ev}); err != nil {
			logger.Warn().Err(err).Str("index", strconv.FormatInt(e.Index, 10)).Msg("replay: send failed")
			return err
		}
		s.sent.Add(1)
		s.last.Store(e.Index)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := send(ctx, EndFrame()); err != nil {
		logger.Warn().Err(err).Msg("replay: end marker not sent")
		return err
	}
	s.sent.Add(1)

	logger.Info().
		Str("sent", strconv.FormatInt(s.sent.Load(), 10)).
		Dur("duration", c.clock.Since(start)).
		Msg("replay: stream finished")
	return nil
}

// Active returns the number of running streams.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Close cancels every stream, waits for them to finish and refuses new ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Stream is the handle of one running replay.
type Stream struct {
	id     string
	after  int64
	order  eventlog.Order
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	sent atomic.Int64
	last atomic.Int64
}

// ID identifies the stream in logs.
func (s *Stream) ID() string { return s.id }

// Cancel stops the stream. No end marker is sent for a canceled stream.
func (s *Stream) Cancel() { s.cancel() }

// Done is closed when the stream has stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns why the stream stopped; nil after a complete replay. Valid after Done.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Sent counts frames delivered so far, including the end marker.
func (s *Stream) Sent() int64 { return s.sent.Load() }

// LastIndex is the index of the last event sent.
func (s *Stream) LastIndex() int64 { return s.last.Load() }
