// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"

	"github.com/bureau-foundation/eventpipe/lib/dispatch"
	"github.com/bureau-foundation/eventpipe/lib/event"
)

// Target returns the engine as a dispatch target named
// dispatch.CollectorTarget. Its Dispatch serializes and enqueues
// inline, so it must only be called from a task running on the queue
// worker (see Submit).
func (e *Engine) Target() dispatch.Target {
	return collectorTarget{engine: e}
}

type collectorTarget struct {
	engine *Engine
}

func (collectorTarget) Name() string { return dispatch.CollectorTarget }

func (t collectorTarget) Dispatch(_ context.Context, envelope event.Envelope) error {
	return t.engine.enqueue(envelope)
}
