// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Nothing fires until
// Advance moves time past a waiter's deadline.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.registered = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a manually driven Clock. It is safe for concurrent use.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*waiter
	registered *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time
	period   time.Duration // zero for one-shot waiters
	stopped  bool
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &waiter{deadline: c.now.Add(d), channel: channel, period: d}
	c.addLocked(entry)
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
	}
}

func (c *FakeClock) addLocked(entry *waiter) {
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()
}

// Advance moves time forward by d and fires every waiter whose deadline
// is reached, earliest first. A ticker spanning several periods fires
// once per period; sends never block, so ticks beyond the channel's
// single slot are lost just as with time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, entry := range due {
			select {
			case entry.channel <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) takeDue(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*waiter
	for _, entry := range c.pending {
		switch {
		case entry.stopped:
		case entry.deadline.After(target):
			keep = append(keep, entry)
		default:
			due = append(due, entry)
		}
	}
	slices.SortStableFunc(due, func(a, b *waiter) int {
		return a.deadline.Compare(b.deadline)
	})
	for _, entry := range due {
		if entry.period > 0 {
			entry.deadline = entry.deadline.Add(entry.period)
			keep = append(keep, entry)
		}
	}
	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n waiters are registered. Tests
// call it before Advance so a goroutine that has not yet reached its
// After or NewTicker call does not miss the advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount reports the number of registered, unstopped waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, entry := range c.pending {
		if !entry.stopped {
			count++
		}
	}
	return count
}
