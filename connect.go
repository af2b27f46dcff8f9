package xhist

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// State is the lifecycle state of a Bus.
//
//	Disconnected -> Connecting -> Connected -> ShuttingDown -> Closed
//
// A failed Connect returns the bus to Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ConnectOptions controls the connection retry loop.
type ConnectOptions struct {
	// Retry enables reconnect attempts; when false the first failure is returned.
	Retry bool
	// RetryInterval is the fixed wait between attempts.
	RetryInterval time.Duration
	// MaxAttempts bounds the total number of attempts (0 = until ctx is done).
	MaxAttempts int
}

// DefaultConnectOptions retries every two seconds for up to ten attempts.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		Retry:         true,
		RetryInterval: 2 * time.Second,
		MaxAttempts:   10,
	}
}

var errAlreadyConnecting = errors.New("xhist: connect already in progress")

// State returns the current lifecycle state.
func (b *Bus) State() State { return State(b.state.Load()) }

func (b *Bus) setState(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	b.notifyAsync(Event{Type: StateChange, State: to})
	return true
}

// Connect establishes the transport connection. Calling Connect on a connected bus is a no-op.
// Exhausting the attempts yields a *ConnectError, which is fatal to process startup.
func (b *Bus) Connect(ctx context.Context, opts ConnectOptions) error {
	if !b.setState(StateDisconnected, StateConnecting) {
		switch b.State() {
		case StateConnected:
			return nil
		case StateConnecting:
			return errAlreadyConnecting
		default:
			return ErrBusClosed
		}
	}

	interval := opts.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	// Close cancels baseCtx, which must abort a pending retry loop as well.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.baseCtx, cancel)
	defer stop()

	attempt := 0
	for {
		attempt++
		start := b.clock.Now()
		err := b.transport.Connect(cctx)
		if err == nil {
			if !b.setState(StateConnecting, StateConnected) {
				return ErrBusClosed
			}
			b.logger.Info().
				Str("attempt", strconv.Itoa(attempt)).
				Dur("duration", b.clock.Since(start)).
				Msg("xhist: connected")
			return nil
		}

		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Attempt: attempt, Err: err})
		b.logger.Warn().
			Err(err).
			Str("attempt", strconv.Itoa(attempt)).
			Msg("xhist: connect attempt failed")

		exhausted := !opts.Retry || (opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts)
		if !exhausted && cctx.Err() == nil {
			timer := b.clock.NewTimer(interval)
			select {
			case <-timer.C():
				continue
			case <-cctx.Done():
				timer.Stop()
			}
		}

		if !b.setState(StateConnecting, StateDisconnected) {
			return ErrBusClosed
		}
		return &ConnectError{Attempts: attempt, Err: err}
	}
}
