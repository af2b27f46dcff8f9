package rpc

import (
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// manualClock hands out timers that only fire when the test calls Fire.
type manualClock struct {
	xclock.Clock

	mu     sync.Mutex
	timers []*manualTimer
}

func newManualClock() *manualClock { return &manualClock{Clock: xclock.Default()} }

func (c *manualClock) NewTimer(time.Duration) xclock.Timer {
	t := &manualTimer{ch: make(chan time.Time, 1)}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

func (c *manualClock) Timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Fire expires every timer handed out so far.
func (c *manualClock) Fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		select {
		case t.ch <- c.Now():
		default:
		}
	}
}

type manualTimer struct{ ch chan time.Time }

func (t *manualTimer) C() <-chan time.Time      { return t.ch }
func (t *manualTimer) Stop() bool               { return true }
func (t *manualTimer) Reset(time.Duration) bool { return true }
