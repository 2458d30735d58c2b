// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stats receives the pipeline's delivery and dispatch
// measurements.
package stats

import (
	"sync"
	"time"
)

// Recorder is the stats sink.
type Recorder interface {
	// RecordFlush is called once per batch the collector accepted.
	RecordFlush(records int)

	// RecordDispatch is called once per envelope handed to a target,
	// with the wall-clock time the target took.
	RecordDispatch(target string, elapsed time.Duration)
}

// DropRecorder is implemented by recorders that also count records the
// pipeline discarded. Callers reach it through Drop.
type DropRecorder interface {
	RecordDrop(reason string, records int)
}

// Reasons passed to RecordDrop.
const (
	DropOverflow   = "overflow"
	DropRejected   = "rejected"
	DropOversized  = "oversized"
	DropUnreadable = "unreadable"
	DropUnstorable = "unstorable"
)

// Drop reports discarded records to recorder if it counts drops.
func Drop(recorder Recorder, reason string, records int) {
	if dropper, ok := recorder.(DropRecorder); ok {
		dropper.RecordDrop(reason, records)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordFlush(int) {}

func (Nop) RecordDispatch(string, time.Duration) {}

// Multi fans measurements out to several recorders.
type Multi []Recorder

func (m Multi) RecordFlush(records int) {
	for _, recorder := range m {
		recorder.RecordFlush(records)
	}
}

func (m Multi) RecordDispatch(target string, elapsed time.Duration) {
	for _, recorder := range m {
		recorder.RecordDispatch(target, elapsed)
	}
}

func (m Multi) RecordDrop(reason string, records int) {
	for _, recorder := range m {
		Drop(recorder, reason, records)
	}
}

// Counters accumulates measurements in memory. The CLI prints a
// Snapshot after a send; tests assert on it.
type Counters struct {
	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot is a copy of a Counters' totals.
type Snapshot struct {
	Flushes        int
	FlushedRecords int
	Dispatches     map[string]int
	DispatchTime   map[string]time.Duration
	Dropped        map[string]int
}

func (c *Counters) RecordFlush(records int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.Flushes++
	c.snapshot.FlushedRecords += records
}

func (c *Counters) RecordDispatch(target string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot.Dispatches == nil {
		c.snapshot.Dispatches = make(map[string]int)
		c.snapshot.DispatchTime = make(map[string]time.Duration)
	}
	c.snapshot.Dispatches[target]++
	c.snapshot.DispatchTime[target] += elapsed
}

func (c *Counters) RecordDrop(reason string, records int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot.Dropped == nil {
		c.snapshot.Dropped = make(map[string]int)
	}
	c.snapshot.Dropped[reason] += records
}

// Snapshot returns a copy of the current totals.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := c.snapshot
	result.Dispatches = cloneCounts(c.snapshot.Dispatches)
	result.Dropped = cloneCounts(c.snapshot.Dropped)
	if c.snapshot.DispatchTime != nil {
		result.DispatchTime = make(map[string]time.Duration, len(c.snapshot.DispatchTime))
		for target, elapsed := range c.snapshot.DispatchTime {
			result.DispatchTime[target] = elapsed
		}
	}
	return result
}

func cloneCounts(source map[string]int) map[string]int {
	if source == nil {
		return nil
	}
	clone := make(map[string]int, len(source))
	for key, value := range source {
		clone[key] = value
	}
	return clone
}
