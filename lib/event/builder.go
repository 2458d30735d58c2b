// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/eventpipe/lib/clock"
)

// Builder completes and validates envelopes. The zero value uses the
// real clock and random UUIDs.
type Builder struct {
	Clock clock.Clock
	NewID func() string
}

// Build fills in a message id and timestamp when absent, ensures the
// context and integrations maps exist, and validates the result. The
// timestamp is normalized to UTC at millisecond precision, the
// resolution of the wire format.
func (b Builder) Build(header Header, payload Payload) (Envelope, error) {
	envelope := Envelope{Header: header, Payload: payload}.Clone()
	if envelope.MessageID == "" {
		envelope.MessageID = b.newID()
	}
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = b.now()
	}
	envelope.Timestamp = envelope.Timestamp.UTC().Truncate(time.Millisecond)
	if envelope.Context == nil {
		envelope.Context = map[string]any{}
	}
	if envelope.Integrations == nil {
		envelope.Integrations = map[string]any{}
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

func (b Builder) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

func (b Builder) now() time.Time {
	if b.Clock != nil {
		return b.Clock.Now()
	}
	return time.Now()
}
