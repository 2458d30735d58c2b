// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"maps"

	"github.com/bureau-foundation/eventpipe/lib/event"
)

// ContextEnricher sets static keys in every envelope's Context. Keys
// the caller already set are left alone.
func ContextEnricher(values map[string]any) Stage {
	values = maps.Clone(values)
	return NewStage("context-enricher", func(_ context.Context, envelope event.Envelope) (event.Envelope, bool) {
		if envelope.Context == nil {
			envelope.Context = make(map[string]any, len(values))
		}
		for key, value := range values {
			if _, present := envelope.Context[key]; !present {
				envelope.Context[key] = value
			}
		}
		return envelope, true
	})
}

// Filter drops envelopes for which keep returns false.
func Filter(name string, keep func(event.Envelope) bool) Stage {
	return NewStage(name, func(_ context.Context, envelope event.Envelope) (event.Envelope, bool) {
		return envelope, keep(envelope)
	})
}

// RenameEvents maps track event names and screen names through names.
// Unlisted names and other variants pass through unchanged.
func RenameEvents(names map[string]string) Stage {
	names = maps.Clone(names)
	return NewStage("rename-events", func(_ context.Context, envelope event.Envelope) (event.Envelope, bool) {
		envelope.Payload = event.Match[event.Payload](envelope, renamer(names))
		return envelope, true
	})
}

type renamer map[string]string

func (r renamer) rename(name string) string {
	if replacement, ok := r[name]; ok {
		return replacement
	}
	return name
}

func (r renamer) Track(_ event.Header, payload event.Track) event.Payload {
	payload.Event = r.rename(payload.Event)
	return payload
}

func (r renamer) Screen(_ event.Header, payload event.Screen) event.Payload {
	payload.Name = r.rename(payload.Name)
	return payload
}

func (renamer) Identify(_ event.Header, payload event.Identify) event.Payload { return payload }
func (renamer) Group(_ event.Header, payload event.Group) event.Payload       { return payload }
func (renamer) Alias(_ event.Header, payload event.Alias) event.Payload       { return payload }
