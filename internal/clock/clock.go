// Package clock abstracts timers so deadline handling can be tested
// without sleeping. Production code uses Real(); tests use Fake.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the secure link needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives once d has elapsed. If d <= 0
	// the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock only moves when Advance is called. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	armed   []time.Duration
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a waiter and records d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = append(c.armed, d)
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
	} else {
		c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), ch: ch})
	}
	return ch
}

// Advance moves time forward by d and fires due waiters in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	sort.Slice(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	var due []*fakeWaiter
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(now) {
			due = append(due, w)
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
	c.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

// Armed returns every duration passed to After, in call order.
func (c *FakeClock) Armed() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.armed...)
}

// Pending counts waiters that have not fired.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
