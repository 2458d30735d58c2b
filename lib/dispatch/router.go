// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch decides which delivery targets receive each event
// and hands it to them.
//
// For every registered target, in registration order, the Router
// applies three filters: the per-call overrides carried in the
// envelope's Integrations map, the global enablement map from
// settings, and the tracking plan. A target that passes all three gets
// the envelope after its destination chain has run. CollectorTarget is
// special: it stands for the delivery engine itself and only the global
// map can turn it off, so every event reaches the collector where the
// plan is also evaluated server-side.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/eventpipe/lib/clock"
	"github.com/bureau-foundation/eventpipe/lib/event"
	"github.com/bureau-foundation/eventpipe/lib/pipeline"
	"github.com/bureau-foundation/eventpipe/lib/stats"
)

const (
	// CollectorTarget is the name of the delivery engine's target.
	CollectorTarget = "Segment.io"

	// AllTargets is the Integrations key that sets the default for
	// targets without their own key.
	AllTargets = "All"
)

// Target receives routed envelopes.
type Target interface {
	Name() string
	Dispatch(ctx context.Context, envelope event.Envelope) error
}

// Outcome is what happened to an envelope at one target.
type Outcome int

const (
	// Delivered: Dispatch returned nil.
	Delivered Outcome = iota
	// Suppressed: an override, the global map, or the plan excluded
	// the target.
	Suppressed
	// Dropped: the target's destination chain dropped the envelope.
	Dropped
	// Failed: Dispatch returned an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Suppressed:
		return "suppressed"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one target's handling of an envelope.
type Result struct {
	Target  string
	Outcome Outcome
	// Reason explains a Suppressed outcome.
	Reason  string
	Err     error
	Elapsed time.Duration
}

// Report lists per-target results in registration order.
type Report []Result

// Outcome returns the result for target, if it was registered.
func (r Report) Outcome(target string) (Outcome, bool) {
	for _, result := range r {
		if result.Target == target {
			return result.Outcome, true
		}
	}
	return 0, false
}

// Decision is the routing verdict for one target.
type Decision struct {
	Include bool
	Reason  string
}

// Decide applies the override, global, and plan filters for target.
func Decide(envelope event.Envelope, target string, global map[string]bool, plan Plan) Decision {
	if enabled, ok := global[target]; ok && !enabled {
		return Decision{Reason: "disabled in settings"}
	}
	if target == CollectorTarget {
		return Decision{Include: true}
	}
	if !overrideAllows(envelope.Integrations, target) {
		return Decision{Reason: "disabled by per-call integrations"}
	}
	if name, ok := envelope.TrackEvent(); ok {
		if allowed, rule := plan.Allows(name, target); !allowed {
			return Decision{Reason: "disabled by " + rule}
		}
	}
	return Decision{Include: true}
}

// overrideAllows reads the per-call Integrations map: the target's own
// key, else "All", else enabled. A non-boolean value (options for the
// target) counts as enabled.
func overrideAllows(integrations map[string]any, target string) bool {
	if value, ok := integrations[target]; ok {
		return truthy(value)
	}
	if value, ok := integrations[AllTargets]; ok {
		return truthy(value)
	}
	return true
}

func truthy(value any) bool {
	enabled, isBool := value.(bool)
	return !isBool || enabled
}

// Config holds the Router's collaborators.
type Config struct {
	// Pipeline supplies destination chains. Nil means no chains.
	Pipeline *pipeline.Pipeline

	// Stats receives per-target dispatch durations. Nil means none.
	Stats stats.Recorder

	// Clock times dispatch calls. Nil means the real clock.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// ErrDuplicateTarget is returned when registering a second target with
// an existing name.
var ErrDuplicateTarget = errors.New("dispatch: target already registered")

// Router routes envelopes to targets.
type Router struct {
	pipeline *pipeline.Pipeline
	stats    stats.Recorder
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.RWMutex
	targets []Target
	global  map[string]bool
	plan    Plan
}

// NewRouter returns a Router with no targets, an empty plan, and every
// target globally enabled.
func NewRouter(config Config) (*Router, error) {
	if config.Logger == nil {
		return nil, errors.New("dispatch router: Logger is required")
	}
	router := &Router{
		pipeline: config.Pipeline,
		stats:    config.Stats,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if router.pipeline == nil {
		router.pipeline = pipeline.New()
	}
	if router.stats == nil {
		router.stats = stats.Nop{}
	}
	if router.clock == nil {
		router.clock = clock.Real()
	}
	return router, nil
}

// Register adds target after every previously registered target.
func (r *Router) Register(target Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.targets {
		if existing.Name() == target.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateTarget, target.Name())
		}
	}
	r.targets = append(r.targets, target)
	return nil
}

// Targets returns the registered target names in order.
func (r *Router) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.targets))
	for i, target := range r.targets {
		names[i] = target.Name()
	}
	return names
}

// TargetList returns the registered targets in order.
func (r *Router) TargetList() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.targets)
}

// SetPlan replaces the tracking plan.
func (r *Router) SetPlan(plan Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plan = plan
}

// SetGlobal replaces the global enablement map. Targets absent from
// enabled are enabled.
func (r *Router) SetGlobal(enabled map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = make(map[string]bool, len(enabled))
	for name, value := range enabled {
		r.global[name] = value
	}
}

// Dispatch routes envelope to every registered target and reports what
// happened at each. Target errors are logged and reported, never
// returned: one failing target does not affect the others.
func (r *Router) Dispatch(ctx context.Context, envelope event.Envelope) Report {
	r.mu.RLock()
	targets := slices.Clone(r.targets)
	global := r.global
	plan := r.plan
	r.mu.RUnlock()

	report := make(Report, 0, len(targets))
	for _, target := range targets {
		name := target.Name()
		decision := Decide(envelope, name, global, plan)
		if !decision.Include {
			report = append(report, Result{Target: name, Outcome: Suppressed, Reason: decision.Reason})
			continue
		}

		routed, keep := r.pipeline.RunDestination(ctx, name, envelope)
		if !keep {
			report = append(report, Result{Target: name, Outcome: Dropped})
			continue
		}

		start := r.clock.Now()
		err := target.Dispatch(ctx, routed)
		elapsed := r.clock.Now().Sub(start)
		r.stats.RecordDispatch(name, elapsed)

		if err != nil {
			r.logger.Error("dispatch failed",
				"target", name,
				"message_id", envelope.MessageID,
				"error", err,
			)
			report = append(report, Result{Target: name, Outcome: Failed, Err: err, Elapsed: elapsed})
			continue
		}
		report = append(report, Result{Target: name, Outcome: Delivered, Elapsed: elapsed})
	}
	return report
}
