// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

type cacheEntry struct {
	FetchedAt time.Time      `cbor:"fetched_at"`
	Body      []byte         `cbor:"body"`
	Extra     map[string]any `cbor:"extra"`
}

func TestMarshalDeterministic(t *testing.T) {
	first, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestUnmarshalUntypedMapsUseStringKeys(t *testing.T) {
	original := cacheEntry{
		FetchedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Body:      []byte(`{"integrations":{}}`),
		Extra:     map[string]any{"nested": map[string]any{"key": "value"}},
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded cacheEntry
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.FetchedAt.Equal(original.FetchedAt) {
		t.Fatalf("FetchedAt = %v, want %v", decoded.FetchedAt, original.FetchedAt)
	}
	if !bytes.Equal(decoded.Body, original.Body) {
		t.Fatalf("Body = %q, want %q", decoded.Body, original.Body)
	}
	nested, ok := decoded.Extra["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested value has type %T, want map[string]any", decoded.Extra["nested"])
	}
	if nested["key"] != "value" {
		t.Fatalf("nested[key] = %v, want value", nested["key"])
	}
}
