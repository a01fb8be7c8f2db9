// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a virtual Clock. Advance walks time forward one
// deadline at a time and fires each due waiter with Now() set to that
// waiter's deadline, so a flush timer armed at t+3s observes t+3s even
// when the test advances by a minute in one call.
//
// AfterFunc callbacks run synchronously in the goroutine that calls
// Advance. Do not call Advance from within a callback.
type FakeClock struct {
	mu       sync.Mutex
	current  time.Time
	sequence uint64
	waiters  []*fakeWaiter
}

// fakeWaiter is a pending After channel or AfterFunc callback.
type fakeWaiter struct {
	deadline time.Time

	// sequence orders waiters with equal deadlines by registration.
	sequence uint64

	// channel receives the fire time for After waiters.
	channel chan time.Time

	// callback runs for AfterFunc waiters.
	callback func()

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock reaches now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addLocked(&fakeWaiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f to run when the clock reaches now+d. If d <= 0,
// f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	waiter := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.addLocked(waiter)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			c.removeLocked(waiter)
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := !waiter.stopped && !waiter.fired
			if wasActive {
				c.removeLocked(waiter)
			}
			waiter.stopped = false
			waiter.fired = false
			waiter.deadline = c.current.Add(d)
			c.addLocked(waiter)
			return wasActive
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the new window in deadline order. Waiters
// registered by callbacks during the advance fire too if they are due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		waiter := c.nextDueLocked(target)
		if waiter == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if waiter.deadline.After(c.current) {
			c.current = waiter.deadline
		}
		waiter.fired = true
		c.removeLocked(waiter)
		now := c.current
		c.mu.Unlock()

		if waiter.callback != nil {
			waiter.callback()
		} else {
			select {
			case waiter.channel <- now:
			default:
			}
		}
	}
}

// Set jumps the clock to t without firing anything when t is before
// the current time; otherwise it behaves like Advance.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	current := c.current
	if !t.After(current) {
		c.current = t
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Advance(t.Sub(current))
}

// PendingTimers returns the number of waiters that have not yet fired
// or been stopped.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) addLocked(waiter *fakeWaiter) {
	c.sequence++
	waiter.sequence = c.sequence
	c.waiters = append(c.waiters, waiter)
}

func (c *FakeClock) removeLocked(waiter *fakeWaiter) {
	for i, candidate := range c.waiters {
		if candidate == waiter {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// nextDueLocked returns the earliest waiter due at or before target,
// breaking deadline ties by registration order.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	var next *fakeWaiter
	for _, waiter := range c.waiters {
		if waiter.deadline.After(target) {
			continue
		}
		if next == nil ||
			waiter.deadline.Before(next.deadline) ||
			(waiter.deadline.Equal(next.deadline) && waiter.sequence < next.sequence) {
			next = waiter
		}
	}
	return next
}
