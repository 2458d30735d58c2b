// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timed component in the
// pipeline: the delivery engine's flush ticker, dispatch timing, event
// timestamps, and the settings cache TTL. Production code passes Real();
// tests pass Fake() and move time explicitly.
package clock

import "time"

// Clock is the subset of the time package the pipeline depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. The channel holds at most one
// pending tick; a slow reader loses ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop ends the tick stream. C is not closed.
func (t *Ticker) Stop() { t.stop() }
