// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"sync"
)

// worker runs submitted tasks one at a time, in submission order, on a
// single goroutine. The task list is unbounded so submit never blocks;
// the notify channel (capacity 1) wakes the goroutine when the list
// goes from empty to non-empty.
type worker struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool

	notify chan struct{}
	done   chan struct{}
}

func newWorker() *worker {
	w := &worker{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// submit appends task. Returns false once stop has been called.
func (w *worker) submit(task func()) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.tasks = append(w.tasks, task)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return true
}

// stop refuses further tasks. Tasks already submitted still run; done
// closes after the last of them.
func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// wait blocks until the worker has exited or ctx is done.
func (w *worker) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if len(w.tasks) == 0 {
			stopped := w.stopped
			w.mu.Unlock()
			if stopped {
				return
			}
			<-w.notify
			continue
		}
		task := w.tasks[0]
		w.tasks[0] = nil // release for GC
		w.tasks = w.tasks[1:]
		w.mu.Unlock()

		task()
	}
}
