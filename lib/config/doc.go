// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for eventpipe.
//
// Configuration is loaded from a single file specified by either the
// EVENTPIPE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// The file may carry environment-specific sections (development,
// staging, production) whose collector and delivery settings override
// the base values when [Config].Environment matches. Production
// defaults to a shorter flush interval and a durable file queue.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${EVENTPIPE_ROOT}, and ${VAR:-default} patterns are
// expanded.
//
// Durations are YAML strings ("30s", "24h") parsed by [Config.Validate]
// and the typed accessors. A flush interval of "0s" disables the flush
// timer.
//
// This package depends on no other eventpipe packages.
package config
