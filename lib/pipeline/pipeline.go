// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline runs envelopes through ordered transformation
// stages: one source chain applied to every event before it is routed,
// and one destination chain per target applied before that target
// receives it.
//
// A stage returns the envelope to pass on and whether to continue.
// Returning false drops the event for the rest of that chain. Chains
// run over a private clone of their input, so whatever a stage does to
// its envelope is invisible to the caller and to every other chain.
package pipeline

import (
	"context"
	"sync"

	"github.com/bureau-foundation/eventpipe/lib/event"
)

// Stage is one step of a chain.
type Stage interface {
	Name() string
	Process(ctx context.Context, envelope event.Envelope) (event.Envelope, bool)
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	Label string
	Func  func(ctx context.Context, envelope event.Envelope) (event.Envelope, bool)
}

// NewStage returns a named Stage backed by process.
func NewStage(name string, process func(context.Context, event.Envelope) (event.Envelope, bool)) StageFunc {
	return StageFunc{Label: name, Func: process}
}

func (s StageFunc) Name() string { return s.Label }

func (s StageFunc) Process(ctx context.Context, envelope event.Envelope) (event.Envelope, bool) {
	return s.Func(ctx, envelope)
}

// Chain is an ordered list of stages. The zero value is an empty chain
// that passes every envelope through.
type Chain struct {
	stages []Stage
}

// Append adds stage at the end of the chain.
func (c *Chain) Append(stage Stage) {
	c.stages = append(c.stages, stage)
}

// Len returns the number of stages.
func (c *Chain) Len() int { return len(c.stages) }

// Run passes a clone of envelope through each stage in order. It
// returns the final envelope and true, or false as soon as a stage
// drops it; later stages are not invoked.
func (c *Chain) Run(ctx context.Context, envelope event.Envelope) (event.Envelope, bool) {
	current := envelope.Clone()
	for _, stage := range c.stages {
		next, keep := stage.Process(ctx, current)
		if !keep {
			return event.Envelope{}, false
		}
		current = next
	}
	return current, true
}

// Pipeline holds the source chain and the destination chains. Stages
// may be added at any time; a chain run sees the stages registered when
// it started.
type Pipeline struct {
	mu           sync.RWMutex
	source       Chain
	destinations map[string]*Chain
}

// New returns an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{destinations: make(map[string]*Chain)}
}

// AddSource appends stage to the source chain.
func (p *Pipeline) AddSource(stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = appended(p.source, stage)
}

// AddDestination appends stage to target's destination chain.
func (p *Pipeline) AddDestination(target string, stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	chain := p.destinations[target]
	if chain == nil {
		chain = &Chain{}
	}
	next := appended(*chain, stage)
	p.destinations[target] = &next
}

// RunSource runs the source chain.
func (p *Pipeline) RunSource(ctx context.Context, envelope event.Envelope) (event.Envelope, bool) {
	p.mu.RLock()
	chain := p.source
	p.mu.RUnlock()
	return chain.Run(ctx, envelope)
}

// RunDestination runs target's destination chain. A target without
// stages receives its own clone of envelope unchanged.
func (p *Pipeline) RunDestination(ctx context.Context, target string, envelope event.Envelope) (event.Envelope, bool) {
	p.mu.RLock()
	chain := p.destinations[target]
	p.mu.RUnlock()
	if chain == nil {
		return envelope.Clone(), true
	}
	return chain.Run(ctx, envelope)
}

// appended returns a chain with stage added, never sharing the backing
// array of chain, so copies handed to running goroutines stay fixed.
func appended(chain Chain, stage Stage) Chain {
	stages := make([]Stage, len(chain.stages), len(chain.stages)+1)
	copy(stages, chain.stages)
	return Chain{stages: append(stages, stage)}
}
