// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package analytics is the application-facing event client.
//
// A Client builds envelopes from Track, Screen, Identify, Group, and
// Alias calls, then hands each one to the delivery engine's queue
// worker. On that worker the source pipeline runs and the router
// dispatches the result to every enabled target, the collector among
// them. Calls return as soon as the envelope is validated and handed
// off; only validation and shutdown errors are reported.
//
// There is no process-wide client. Applications that need several
// named clients keep them in a Registry.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bureau-foundation/eventpipe/lib/clock"
	"github.com/bureau-foundation/eventpipe/lib/delivery"
	"github.com/bureau-foundation/eventpipe/lib/dispatch"
	"github.com/bureau-foundation/eventpipe/lib/event"
	"github.com/bureau-foundation/eventpipe/lib/pipeline"
	"github.com/bureau-foundation/eventpipe/lib/settings"
	"github.com/bureau-foundation/eventpipe/lib/stats"
	"github.com/bureau-foundation/eventpipe/lib/version"
)

var (
	// ErrShutdown is returned by every call after Shutdown.
	ErrShutdown = errors.New("analytics: client is shut down")

	ErrMissingEventName = errors.New("analytics: event name is required")
	ErrMissingUserID    = errors.New("analytics: user id is required")
	ErrMissingGroupID   = errors.New("analytics: group id is required")
	ErrMissingScreen    = errors.New("analytics: screen name is required")
)

// Config holds a Client's collaborators.
type Config struct {
	// Engine delivers to the collector. Required. The client owns it
	// and shuts it down.
	Engine *delivery.Engine

	// Pipeline supplies the source chain and destination chains.
	// Defaults to an empty pipeline.
	Pipeline *pipeline.Pipeline

	// Settings, when set, is loaded once by New to configure target
	// enablement and the tracking plan.
	Settings *settings.Store

	// Plan, when set, replaces the plan from Settings.
	Plan *dispatch.Plan

	// Stats receives dispatch timings. Defaults to stats.Nop.
	Stats stats.Recorder

	// Clock stamps events. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger

	// AnonymousID identifies this installation. Defaults to a random
	// UUID.
	AnonymousID string

	// Context is merged into every envelope's context, beneath
	// per-call values.
	Context map[string]any
}

// Client emits events. It is safe for concurrent use.
type Client struct {
	engine   *delivery.Engine
	pipeline *pipeline.Pipeline
	router   *dispatch.Router
	builder  event.Builder
	logger   *slog.Logger
	context  map[string]any

	mu          sync.RWMutex
	userID      string
	anonymousID string

	closed atomic.Bool
}

// New builds a Client. When Settings is set it is loaded before New
// returns; a settings failure falls back as settings.Store.Load
// describes and never fails New.
func New(ctx context.Context, config Config) (*Client, error) {
	if config.Engine == nil {
		return nil, errors.New("analytics: Engine is required")
	}
	if config.Logger == nil {
		return nil, errors.New("analytics: Logger is required")
	}
	if config.Pipeline == nil {
		config.Pipeline = pipeline.New()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.AnonymousID == "" {
		config.AnonymousID = uuid.NewString()
	}

	router, err := dispatch.NewRouter(dispatch.Config{
		Pipeline: config.Pipeline,
		Stats:    config.Stats,
		Clock:    config.Clock,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := router.Register(config.Engine.Target()); err != nil {
		return nil, err
	}

	if config.Settings != nil {
		loaded := config.Settings.Load(ctx)
		config.Logger.Info("settings loaded",
			"source", loaded.Source.String(),
			"integrations", len(loaded.Integrations),
		)
		router.SetGlobal(loaded.Global())
		router.SetPlan(loaded.Plan)
	}
	if config.Plan != nil {
		router.SetPlan(*config.Plan)
	}

	staticContext := map[string]any{"library": version.Context()}
	maps.Copy(staticContext, config.Context)

	return &Client{
		engine:      config.Engine,
		pipeline:    config.Pipeline,
		router:      router,
		builder:     event.Builder{Clock: config.Clock},
		logger:      config.Logger,
		context:     staticContext,
		anonymousID: config.AnonymousID,
	}, nil
}

// AddTarget registers a delivery target after the existing ones.
func (c *Client) AddTarget(target dispatch.Target) error {
	return c.router.Register(target)
}

// Pipeline returns the client's pipeline for adding stages.
func (c *Client) Pipeline() *pipeline.Pipeline {
	return c.pipeline
}

// Router returns the client's router, for replacing the plan or the
// global enablement map at runtime.
func (c *Client) Router() *dispatch.Router {
	return c.router
}

// UserID returns the user set by the last Identify or Alias.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// AnonymousID returns the installation's anonymous id.
func (c *Client) AnonymousID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anonymousID
}

// Reset forgets the current user and starts a new anonymous id.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = ""
	c.anonymousID = uuid.NewString()
}

// Track records that the user performed an action.
func (c *Client) Track(name string, properties map[string]any, options ...Option) error {
	if name == "" {
		return ErrMissingEventName
	}
	return c.emit(event.Track{Event: name, Properties: properties}, collectOptions(options))
}

// Screen records that the user viewed a screen.
func (c *Client) Screen(name string, properties map[string]any, options ...Option) error {
	collected := collectOptions(options)
	if name == "" && collected.category == "" {
		return ErrMissingScreen
	}
	return c.emit(event.Screen{Name: name, Category: collected.category, Properties: properties}, collected)
}

// Identify ties the client to userID and records traits. Later calls
// carry userID until Reset or another Identify.
func (c *Client) Identify(userID string, traits map[string]any, options ...Option) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if c.closed.Load() {
		return ErrShutdown
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	collected := collectOptions(options)
	if collected.userID == "" {
		collected.userID = userID
	}
	return c.emit(event.Identify{Traits: traits}, collected)
}

// Group associates the current user with groupID.
func (c *Client) Group(groupID string, traits map[string]any, options ...Option) error {
	if groupID == "" {
		return ErrMissingGroupID
	}
	return c.emit(event.Group{GroupID: groupID, Traits: traits}, collectOptions(options))
}

// Alias links newID to the current identity (the user id if set,
// otherwise the anonymous id) and makes newID the current user.
func (c *Client) Alias(newID string, options ...Option) error {
	if newID == "" {
		return ErrMissingUserID
	}
	if c.closed.Load() {
		return ErrShutdown
	}
	c.mu.Lock()
	previousID := c.userID
	if previousID == "" {
		previousID = c.anonymousID
	}
	c.userID = newID
	c.mu.Unlock()

	collected := collectOptions(options)
	collected.userID = newID
	return c.emit(event.Alias{PreviousID: previousID}, collected)
}

// emit builds the envelope and queues the pipeline and routing work on
// the engine's queue worker.
func (c *Client) emit(payload event.Payload, options callOptions) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	c.mu.RLock()
	header := event.Header{
		MessageID:   options.messageID,
		UserID:      c.userID,
		AnonymousID: c.anonymousID,
		Timestamp:   options.timestamp,
	}
	c.mu.RUnlock()
	if options.userID != "" {
		header.UserID = options.userID
	}
	if options.anonymousID != "" {
		header.AnonymousID = options.anonymousID
	}
	header.Context = maps.Clone(c.context)
	maps.Copy(header.Context, options.context)
	header.Integrations = options.integrations

	envelope, err := c.builder.Build(header, payload)
	if err != nil {
		return fmt.Errorf("analytics: %w", err)
	}

	err = c.engine.Submit(func() {
		ctx := context.Background()
		routed, keep := c.pipeline.RunSource(ctx, envelope)
		if !keep {
			c.logger.Debug("source pipeline dropped event",
				"message_id", envelope.MessageID,
				"type", string(envelope.Kind()),
			)
			return
		}
		c.router.Dispatch(ctx, routed)
	})
	if errors.Is(err, delivery.ErrShutdown) {
		return ErrShutdown
	}
	return err
}

// Flush asks the engine to upload what has been emitted so far.
func (c *Client) Flush() error {
	if c.closed.Load() {
		return ErrShutdown
	}
	if err := c.engine.Flush(); err != nil {
		if errors.Is(err, delivery.ErrShutdown) {
			return ErrShutdown
		}
		return err
	}
	return nil
}

// Sync waits until every event emitted so far has been routed and every
// flush requested so far has finished.
func (c *Client) Sync(ctx context.Context) error {
	if err := c.engine.Sync(ctx); err != nil {
		if errors.Is(err, delivery.ErrShutdown) {
			return ErrShutdown
		}
		return err
	}
	return nil
}

// Size returns the number of records waiting in the queue.
func (c *Client) Size() int {
	return c.engine.Size()
}

// Shutdown refuses further calls, lets pending work finish, shuts the
// engine down, and closes every registered target that is an
// io.Closer. Calling it again is a no-op.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.engine.Shutdown(ctx)

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, target := range c.router.TargetList() {
		closer, ok := target.(io.Closer)
		if !ok || target.Name() == dispatch.CollectorTarget {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("analytics: closing target %s: %w", target.Name(), err))
		}
	}
	return errors.Join(errs...)
}
