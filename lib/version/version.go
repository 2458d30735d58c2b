// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of eventpipe. The library
// name and version appear in every event's context and in the
// User-Agent of collector requests.
//
// Values are injected at build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/eventpipe/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// Library is the name reported in event context and the User-Agent.
const Library = "eventpipe"

// Set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns a formatted version string for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the Go version and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent returns the User-Agent sent to the collector.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s/%s)", Library, Version, runtime.GOOS, runtime.GOARCH)
}

// Context returns the "library" entry added to each event's context.
func Context() map[string]any {
	return map[string]any{"name": Library, "version": Version}
}
