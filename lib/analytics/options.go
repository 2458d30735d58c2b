// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"maps"
	"time"
)

// Option adjusts a single call.
type Option func(*callOptions)

type callOptions struct {
	integrations map[string]any
	context      map[string]any
	timestamp    time.Time
	messageID    string
	userID       string
	anonymousID  string
	category     string
}

func collectOptions(options []Option) callOptions {
	var collected callOptions
	for _, option := range options {
		option(&collected)
	}
	return collected
}

// WithIntegration enables or disables one target for this call. Use
// dispatch.AllTargets to set the default for unnamed targets.
func WithIntegration(target string, enabled bool) Option {
	return func(o *callOptions) {
		if o.integrations == nil {
			o.integrations = make(map[string]any)
		}
		o.integrations[target] = enabled
	}
}

// WithIntegrations merges overrides into the call's Integrations map.
// Values other than booleans are passed to targets as per-call
// settings and count as enabled.
func WithIntegrations(overrides map[string]any) Option {
	return func(o *callOptions) {
		if o.integrations == nil {
			o.integrations = make(map[string]any, len(overrides))
		}
		maps.Copy(o.integrations, overrides)
	}
}

// WithContext sets one context key for this call.
func WithContext(key string, value any) Option {
	return func(o *callOptions) {
		if o.context == nil {
			o.context = make(map[string]any)
		}
		o.context[key] = value
	}
}

// WithTimestamp overrides the event time.
func WithTimestamp(timestamp time.Time) Option {
	return func(o *callOptions) { o.timestamp = timestamp }
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) Option {
	return func(o *callOptions) { o.messageID = id }
}

// WithUserID overrides the client's current user for this call.
func WithUserID(id string) Option {
	return func(o *callOptions) { o.userID = id }
}

// WithAnonymousID overrides the client's anonymous id for this call.
func WithAnonymousID(id string) Option {
	return func(o *callOptions) { o.anonymousID = id }
}

// WithCategory sets a screen's category. Other calls ignore it.
func WithCategory(category string) Option {
	return func(o *callOptions) { o.category = category }
}
