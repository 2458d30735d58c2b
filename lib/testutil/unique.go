// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
)

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix-N" with N increasing across the test binary.
// Tests use it for event names and user ids that must not collide.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

// QueuePath returns a path for a queue file inside a per-test temporary
// directory. The file itself is not created.
func QueuePath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), UniqueID("queue")+".tape")
}
