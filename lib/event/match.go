// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "fmt"

// Matcher handles every payload variant. Adding a variant adds a method
// here, so every implementation stops compiling until it handles it.
type Matcher[T any] interface {
	Track(Header, Track) T
	Identify(Header, Identify) T
	Group(Header, Group) T
	Screen(Header, Screen) T
	Alias(Header, Alias) T
}

// Match dispatches envelope to the matcher method for its variant.
// Panics on an envelope without a payload, which Validate rejects.
func Match[T any](envelope Envelope, matcher Matcher[T]) T {
	switch payload := envelope.Payload.(type) {
	case Track:
		return matcher.Track(envelope.Header, payload)
	case Identify:
		return matcher.Identify(envelope.Header, payload)
	case Group:
		return matcher.Group(envelope.Header, payload)
	case Screen:
		return matcher.Screen(envelope.Header, payload)
	case Alias:
		return matcher.Alias(envelope.Header, payload)
	default:
		panic(fmt.Sprintf("event: match on envelope with payload %T", envelope.Payload))
	}
}
