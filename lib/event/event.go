// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the envelope that flows through the pipeline:
// a shared Header plus exactly one of the Track, Identify, Group,
// Screen, or Alias payloads.
//
// Payload is a closed set. Code that must handle every variant uses
// Match with a Matcher, which the compiler checks for completeness.
// Envelopes are treated as immutable once built; a stage that needs a
// different envelope works on Clone.
package event

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// Kind names a payload variant. The values are the wire "type" field.
type Kind string

const (
	KindTrack    Kind = "track"
	KindIdentify Kind = "identify"
	KindGroup    Kind = "group"
	KindScreen   Kind = "screen"
	KindAlias    Kind = "alias"
)

// Header carries the fields every variant shares.
type Header struct {
	MessageID   string
	AnonymousID string
	UserID      string
	Timestamp   time.Time

	// Context is free-form metadata about the emitting environment.
	Context map[string]any

	// Integrations holds per-call routing overrides: target name (or
	// "All") to a boolean or a target-specific options object.
	Integrations map[string]any
}

// Payload is implemented only by the variant types in this package.
type Payload interface {
	Kind() Kind
	clonePayload() Payload
}

// Track records that the user performed an action.
type Track struct {
	Event      string
	Properties map[string]any
}

// Identify attaches traits to a user.
type Identify struct {
	Traits map[string]any
}

// Group associates the user with a group.
type Group struct {
	GroupID string
	Traits  map[string]any
}

// Screen records a screen view.
type Screen struct {
	Name       string
	Category   string
	Properties map[string]any
}

// Alias links a previous identity to Header.UserID.
type Alias struct {
	PreviousID string
}

func (Track) Kind() Kind    { return KindTrack }
func (Identify) Kind() Kind { return KindIdentify }
func (Group) Kind() Kind    { return KindGroup }
func (Screen) Kind() Kind   { return KindScreen }
func (Alias) Kind() Kind    { return KindAlias }

func (p Track) clonePayload() Payload {
	p.Properties = cloneMap(p.Properties)
	return p
}

func (p Identify) clonePayload() Payload {
	p.Traits = cloneMap(p.Traits)
	return p
}

func (p Group) clonePayload() Payload {
	p.Traits = cloneMap(p.Traits)
	return p
}

func (p Screen) clonePayload() Payload {
	p.Properties = cloneMap(p.Properties)
	return p
}

func (p Alias) clonePayload() Payload { return p }

// Envelope is one event.
type Envelope struct {
	Header
	Payload Payload
}

// Kind returns the payload variant, or "" for an envelope without one.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Clone returns a deep copy. Nested maps and slices inside Context,
// Integrations, properties, and traits are copied as well.
func (e Envelope) Clone() Envelope {
	clone := e
	clone.Context = cloneMap(e.Context)
	clone.Integrations = cloneMap(e.Integrations)
	if e.Payload != nil {
		clone.Payload = e.Payload.clonePayload()
	}
	return clone
}

// TrackEvent returns the event name for a Track envelope.
func (e Envelope) TrackEvent() (string, bool) {
	track, ok := e.Payload.(Track)
	return track.Event, ok
}

var (
	// ErrMissingIdentity is returned when neither AnonymousID nor UserID
	// is set.
	ErrMissingIdentity = errors.New("event: anonymous id or user id is required")

	// ErrMissingPayload is returned for an envelope without a payload.
	ErrMissingPayload = errors.New("event: payload is required")
)

// Validate checks the fields each variant requires.
func (e Envelope) Validate() error {
	if e.AnonymousID == "" && e.UserID == "" {
		return ErrMissingIdentity
	}
	switch payload := e.Payload.(type) {
	case nil:
		return ErrMissingPayload
	case Track:
		if payload.Event == "" {
			return fmt.Errorf("event: track requires an event name")
		}
	case Group:
		if payload.GroupID == "" {
			return fmt.Errorf("event: group requires a group id")
		}
	case Alias:
		if payload.PreviousID == "" {
			return fmt.Errorf("event: alias requires a previous id")
		}
		if e.UserID == "" {
			return fmt.Errorf("event: alias requires a user id")
		}
	}
	return nil
}

func cloneMap(source map[string]any) map[string]any {
	if source == nil {
		return nil
	}
	clone := make(map[string]any, len(source))
	for key, value := range source {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		clone := make([]any, len(typed))
		for i, element := range typed {
			clone[i] = cloneValue(element)
		}
		return clone
	case map[string]bool:
		return maps.Clone(typed)
	case []string:
		return append([]string(nil), typed...)
	default:
		return value
	}
}
