// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat is the wire timestamp layout: ISO-8601 with milliseconds.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// wireEnvelope is the decoding shape of a serialized envelope.
type wireEnvelope struct {
	Type         Kind           `json:"type"`
	MessageID    string         `json:"messageId"`
	Timestamp    string         `json:"timestamp"`
	AnonymousID  string         `json:"anonymousId"`
	UserID       string         `json:"userId"`
	Context      map[string]any `json:"context"`
	Integrations map[string]any `json:"integrations"`
	Event        string         `json:"event"`
	Properties   map[string]any `json:"properties"`
	Traits       map[string]any `json:"traits"`
	GroupID      string         `json:"groupId"`
	Name         string         `json:"name"`
	Category     string         `json:"category"`
	PreviousID   string         `json:"previousId"`
}

// MarshalJSON writes the collector's record format. context and
// integrations are always objects; empty identity fields are omitted.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrMissingPayload
	}
	object := map[string]any{
		"type":         e.Kind(),
		"messageId":    e.MessageID,
		"timestamp":    e.Timestamp.UTC().Format(TimeFormat),
		"context":      orEmpty(e.Context),
		"integrations": orEmpty(e.Integrations),
	}
	if e.AnonymousID != "" {
		object["anonymousId"] = e.AnonymousID
	}
	if e.UserID != "" {
		object["userId"] = e.UserID
	}
	switch payload := e.Payload.(type) {
	case Track:
		object["event"] = payload.Event
		object["properties"] = orEmpty(payload.Properties)
	case Identify:
		object["traits"] = orEmpty(payload.Traits)
	case Group:
		object["groupId"] = payload.GroupID
		object["traits"] = orEmpty(payload.Traits)
	case Screen:
		object["name"] = payload.Name
		if payload.Category != "" {
			object["category"] = payload.Category
		}
		object["properties"] = orEmpty(payload.Properties)
	case Alias:
		object["previousId"] = payload.PreviousID
	}
	return json.Marshal(object)
}

// UnmarshalJSON reads the format written by MarshalJSON.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var payload Payload
	switch wire.Type {
	case KindTrack:
		payload = Track{Event: wire.Event, Properties: wire.Properties}
	case KindIdentify:
		payload = Identify{Traits: wire.Traits}
	case KindGroup:
		payload = Group{GroupID: wire.GroupID, Traits: wire.Traits}
	case KindScreen:
		payload = Screen{Name: wire.Name, Category: wire.Category, Properties: wire.Properties}
	case KindAlias:
		payload = Alias{PreviousID: wire.PreviousID}
	default:
		return fmt.Errorf("event: unknown type %q", wire.Type)
	}
	var timestamp time.Time
	if wire.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
		if err != nil {
			return fmt.Errorf("event: parsing timestamp: %w", err)
		}
		timestamp = parsed
	}
	*e = Envelope{
		Header: Header{
			MessageID:    wire.MessageID,
			AnonymousID:  wire.AnonymousID,
			UserID:       wire.UserID,
			Timestamp:    timestamp,
			Context:      wire.Context,
			Integrations: wire.Integrations,
		},
		Payload: payload,
	}
	return nil
}

func orEmpty(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}
	return values
}
