// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/eventpipe/lib/clock"
)

// DefaultTTL is how long a cached document is served without a fetch.
const DefaultTTL = 24 * time.Hour

// Fetcher retrieves the raw settings document. collector.Client
// implements it.
type Fetcher interface {
	FetchSettings(ctx context.Context) ([]byte, error)
}

// Config holds a Store's collaborators.
type Config struct {
	// Fetcher is required.
	Fetcher Fetcher

	// CachePath is the cache file. Empty disables caching.
	CachePath string

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// Store loads settings with caching and fallback.
type Store struct {
	fetcher   Fetcher
	cachePath string
	ttl       time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewStore validates config and returns a Store.
func NewStore(config Config) (*Store, error) {
	if config.Fetcher == nil {
		return nil, errors.New("settings: Fetcher is required")
	}
	if config.Logger == nil {
		return nil, errors.New("settings: Logger is required")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Store{
		fetcher:   config.Fetcher,
		cachePath: config.CachePath,
		ttl:       config.TTL,
		clock:     config.Clock,
		logger:    config.Logger,
	}, nil
}

// Load returns the cached settings if they are fresh, otherwise
// fetches. A failed fetch falls back to a stale cache, then to
// Default. Load never fails; the Source field says what was used.
func (s *Store) Load(ctx context.Context) Settings {
	cached, cachedErr := s.cached()
	if cachedErr == nil && s.clock.Now().Sub(cached.FetchedAt) < s.ttl {
		cached.Source = SourceCache
		return cached
	}

	fresh, err := s.Refresh(ctx)
	if err == nil {
		return fresh
	}

	if cachedErr == nil {
		s.logger.Warn("settings fetch failed, using stale cache",
			"error", err,
			"fetched_at", cached.FetchedAt,
		)
		cached.Source = SourceStaleCache
		return cached
	}
	s.logger.Warn("settings fetch failed, using defaults", "error", err)
	return Default()
}

// Refresh fetches and parses the document and replaces the cache. A
// document that does not parse is not cached. A cache write failure is
// logged and does not fail the refresh.
func (s *Store) Refresh(ctx context.Context) (Settings, error) {
	document, err := s.fetcher.FetchSettings(ctx)
	if err != nil {
		return Settings{}, err
	}
	settings, err := Parse(document)
	if err != nil {
		return Settings{}, err
	}
	settings.FetchedAt = s.clock.Now()
	settings.Source = SourceNetwork

	if s.cachePath != "" {
		if err := writeCache(s.cachePath, document, settings.FetchedAt); err != nil {
			s.logger.Warn("writing settings cache failed", "path", s.cachePath, "error", err)
		}
	}
	return settings, nil
}

func (s *Store) cached() (Settings, error) {
	if s.cachePath == "" {
		return Settings{}, errCacheMissing
	}
	document, fetchedAt, err := readCache(s.cachePath)
	if err != nil {
		if !errors.Is(err, errCacheMissing) {
			s.logger.Warn("ignoring unreadable settings cache", "path", s.cachePath, "error", err)
		}
		return Settings{}, err
	}
	settings, err := Parse(document)
	if err != nil {
		s.logger.Warn("ignoring unparseable settings cache", "path", s.cachePath, "error", err)
		return Settings{}, err
	}
	settings.FetchedAt = fetchedAt
	return settings, nil
}
