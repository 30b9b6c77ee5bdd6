package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Callbacks fire synchronously in
// deadline order, and the clock reads the callback's deadline while it runs, so
// a callback that schedules a follow-up timer gets the correct deadline.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     int
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	clock    *FakeClock
	deadline time.Time
	seq      int
	callback func()
	stopped  bool
	fired    bool
}

func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	w := &fakeWaiter{clock: c, deadline: c.current.Add(d), seq: c.seq, callback: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	return w
}

func (w *fakeWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	if w.stopped || w.fired {
		return false
	}
	w.stopped = true
	w.clock.removeLocked(w)
	return true
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached, including timers scheduled by callbacks during the advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()
	for {
		w := c.nextDue(target)
		if w == nil {
			break
		}
		w.callback()
	}
	c.mu.Lock()
	c.current = target
	c.mu.Unlock()
}

// nextDue pops the earliest waiter due at or before target and moves the clock
// to its deadline.
func (c *FakeClock) nextDue(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return nil
	}
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].seq < c.waiters[j].seq
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	w := c.waiters[0]
	if w.deadline.After(target) {
		return nil
	}
	c.waiters = c.waiters[1:]
	w.fired = true
	if w.deadline.After(c.current) {
		c.current = w.deadline
	}
	c.changed.Broadcast()
	return w
}

func (c *FakeClock) removeLocked(w *fakeWaiter) {
	for i, candidate := range c.waiters {
		if candidate == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.changed.Broadcast()
}

// PendingTimers returns the number of armed timers.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForTimers blocks until at least n timers are armed. Goroutines that arm
// timers asynchronously (e.g. after a failed dial) are synchronized this way
// instead of with sleeps.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}
