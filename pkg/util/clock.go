package util

import (
	"sync"
	"time"
)

// Clock is the time source used for block timestamps and for bounding waits.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// SimulatedClock only moves when Advance is called. Channels returned by After
// fire once the clock has been advanced past their deadline.
type SimulatedClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []simWaiter
}

type simWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewSimulatedClock starts at a fixed, non-zero instant so timestamps derived
// from it are stable across test runs.
func NewSimulatedClock() *SimulatedClock {
	return &SimulatedClock{now: time.Unix(1_600_000_000, 0)}
}

func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimulatedClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, simWaiter{at: at, ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires every expired waiter.
func (c *SimulatedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// Waiters returns how many After channels are still pending. Tests use it to
// know a goroutine has parked on the clock before advancing it.
func (c *SimulatedClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
