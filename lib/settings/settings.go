// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings retrieves the project settings document that tells
// the client which targets are enabled and which tracking plan applies.
//
// A Store serves a cached copy while it is younger than the TTL and
// otherwise fetches a fresh one. When the fetch fails the store falls
// back to a stale cache and then to built-in defaults, so Load always
// yields usable settings.
package settings

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bureau-foundation/eventpipe/lib/dispatch"
)

// DefaultDocument is used when neither the network nor the cache can
// supply settings. It enables only the collector.
const DefaultDocument = `{"integrations":{"Segment.io":{}}}`

// Source says where a Settings value came from.
type Source int

const (
	SourceDefault Source = iota
	SourceCache
	SourceNetwork
	SourceStaleCache
)

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceCache:
		return "cache"
	case SourceNetwork:
		return "network"
	case SourceStaleCache:
		return "stale-cache"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Settings is a parsed settings document.
type Settings struct {
	// Integrations maps target name to its settings object. A literal
	// false disables the target.
	Integrations map[string]json.RawMessage

	// Plan is the tracking plan, empty when the document has none.
	Plan dispatch.Plan

	// Document is the raw JSON the fields were parsed from.
	Document []byte

	// FetchedAt is when Document was fetched. Zero for defaults.
	FetchedAt time.Time

	Source Source
}

// Parse decodes a settings document.
func Parse(document []byte) (Settings, error) {
	var wire struct {
		Integrations map[string]json.RawMessage `json:"integrations"`
		Plan         json.RawMessage            `json:"plan"`
	}
	if err := json.Unmarshal(document, &wire); err != nil {
		return Settings{}, fmt.Errorf("settings: parsing document: %w", err)
	}
	settings := Settings{
		Integrations: wire.Integrations,
		Document:     append([]byte(nil), document...),
	}
	if len(wire.Plan) > 0 && string(wire.Plan) != "null" {
		plan, err := dispatch.ParsePlan(wire.Plan)
		if err != nil {
			return Settings{}, fmt.Errorf("settings: %w", err)
		}
		settings.Plan = plan
	}
	return settings, nil
}

// Default returns the settings parsed from DefaultDocument.
func Default() Settings {
	settings, err := Parse([]byte(DefaultDocument))
	if err != nil {
		panic("settings: default document does not parse: " + err.Error())
	}
	settings.Source = SourceDefault
	return settings
}

// Global returns the enablement map for dispatch.Router.SetGlobal.
func (s Settings) Global() map[string]bool {
	global := make(map[string]bool, len(s.Integrations))
	for name, value := range s.Integrations {
		global[name] = string(value) != "false"
	}
	return global
}
