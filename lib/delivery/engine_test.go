// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/eventpipe/lib/clock"
	"github.com/bureau-foundation/eventpipe/lib/dispatch"
	"github.com/bureau-foundation/eventpipe/lib/event"
	"github.com/bureau-foundation/eventpipe/lib/queue"
	"github.com/bureau-foundation/eventpipe/lib/stats"
	"github.com/bureau-foundation/eventpipe/lib/testutil"
)

var epoch = time.Date(2026, 4, 2, 9, 30, 15, 123000000, time.UTC)

const waitTimeout = 5 * time.Second

// upload is one decoded request body.
type upload struct {
	Batch  []json.RawMessage `json:"batch"`
	SentAt string            `json:"sentAt"`
}

func (u upload) messageIDs(t *testing.T) []string {
	t.Helper()
	ids := make([]string, len(u.Batch))
	for i, record := range u.Batch {
		var decoded struct {
			MessageID string `json:"messageId"`
		}
		if err := json.Unmarshal(record, &decoded); err != nil {
			t.Fatalf("decoding record %d: %v", i, err)
		}
		ids[i] = decoded.MessageID
	}
	return ids
}

// fakeUploader decodes every body onto uploads and returns scripted
// results in order, then nil.
type fakeUploader struct {
	mu      sync.Mutex
	results []error
	uploads chan upload
	closed  atomic.Bool
}

func newFakeUploader(results ...error) *fakeUploader {
	return &fakeUploader{results: results, uploads: make(chan upload, 64)}
}

func (f *fakeUploader) Upload(_ context.Context, write func(io.Writer) error) error {
	var body bytes.Buffer
	if err := write(&body); err != nil {
		return err
	}
	var decoded upload
	if err := json.Unmarshal(body.Bytes(), &decoded); err != nil {
		return fmt.Errorf("fake uploader: body is not JSON: %w: %s", err, body.String())
	}
	f.uploads <- decoded

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

func (f *fakeUploader) Close() error {
	f.closed.Store(true)
	return nil
}

// statusFailure stands in for collector.HTTPError.
type statusFailure int

func (s statusFailure) Error() string { return fmt.Sprintf("collector returned %d", int(s)) }
func (s statusFailure) Status() int   { return int(s) }

type fixedConnectivity bool

func (c fixedConnectivity) Connected(context.Context) bool { return bool(c) }

// failingWrapper refuses to wrap anything.
type failingWrapper struct{}

func (failingWrapper) Wrap([]byte) ([]byte, error)          { return nil, errors.New("wrap refused") }
func (failingWrapper) Unwrap(stored []byte) ([]byte, error) { return stored, nil }

// failingAddQueue is a memory queue whose Add returns err.
type failingAddQueue struct {
	queue.Queue
	err error
}

func (q failingAddQueue) Add([]byte) error { return q.err }

// poisonWrapper refuses to unwrap records containing "poison".
type poisonWrapper struct{}

func (poisonWrapper) Wrap(record []byte) ([]byte, error) { return record, nil }

func (poisonWrapper) Unwrap(stored []byte) ([]byte, error) {
	if bytes.Contains(stored, []byte("poison")) {
		return nil, errors.New("poisoned record")
	}
	return stored, nil
}

func trackEnvelope(i int) event.Envelope {
	return event.Envelope{
		Header: event.Header{
			MessageID:    fmt.Sprintf("m-%d", i),
			UserID:       "user",
			Timestamp:    epoch,
			Context:      map[string]any{},
			Integrations: map[string]any{},
		},
		Payload: event.Track{Event: "Viewed", Properties: map[string]any{"index": i}},
	}
}

// newTestEngine fills Queue, Uploader, Clock, and Logger when unset and
// disables the flush timer unless FlushInterval is set.
func newTestEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	if config.Queue == nil {
		config.Queue = queue.NewMemory()
	}
	if config.Uploader == nil {
		config.Uploader = newFakeUploader()
	}
	if config.Clock == nil {
		config.Clock = clock.Fake(epoch)
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = -1
	}
	engine, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := engine.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return engine
}

func enqueueN(t *testing.T, engine *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := engine.Enqueue(trackEnvelope(i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
}

func syncEngine(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := engine.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func flushAndSync(t *testing.T, engine *Engine) {
	t.Helper()
	if err := engine.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	syncEngine(t, engine)
}

func requireNoUpload(t *testing.T, uploader *fakeUploader) {
	t.Helper()
	select {
	case got := <-uploader.uploads:
		t.Fatalf("unexpected upload of %d records", len(got.Batch))
	default:
	}
}

func queuedIDs(t *testing.T, q queue.Queue) []string {
	t.Helper()
	records, err := queue.ReadAll(q)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return upload{Batch: toRaw(records)}.messageIDs(t)
}

func toRaw(records [][]byte) []json.RawMessage {
	raw := make([]json.RawMessage, len(records))
	for i, record := range records {
		raw[i] = record
	}
	return raw
}

func TestFlushDeliversRecordsInOrder(t *testing.T) {
	uploader := newFakeUploader()
	counters := &stats.Counters{}
	engine := newTestEngine(t, Config{Uploader: uploader, Stats: counters})

	enqueueN(t, engine, 3)
	syncEngine(t, engine)
	if size := engine.Size(); size != 3 {
		t.Fatalf("Size before Flush = %d, want 3", size)
	}
	requireNoUpload(t, uploader)
	flushAndSync(t, engine)

	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for upload")
	if ids := got.messageIDs(t); !slices.Equal(ids, []string{"m-0", "m-1", "m-2"}) {
		t.Fatalf("uploaded ids = %v, want m-0 m-1 m-2", ids)
	}
	if got.SentAt != "2026-04-02T09:30:15.123Z" {
		t.Fatalf("sentAt = %q", got.SentAt)
	}
	if size := engine.Size(); size != 0 {
		t.Fatalf("Size after delivery = %d, want 0", size)
	}
	snapshot := counters.Snapshot()
	if snapshot.Flushes != 1 || snapshot.FlushedRecords != 3 {
		t.Fatalf("stats = %d flushes / %d records, want 1 / 3", snapshot.Flushes, snapshot.FlushedRecords)
	}
}

func TestThresholdTriggersFlush(t *testing.T) {
	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Uploader: uploader, FlushThreshold: 3})

	enqueueN(t, engine, 2)
	syncEngine(t, engine)
	requireNoUpload(t, uploader)

	if err := engine.Enqueue(trackEnvelope(2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	syncEngine(t, engine)
	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for threshold flush")
	if len(got.Batch) != 3 {
		t.Fatalf("batch has %d records, want 3", len(got.Batch))
	}
}

func TestEmptyQueueIsNotUploaded(t *testing.T) {
	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Uploader: uploader})
	flushAndSync(t, engine)
	requireNoUpload(t, uploader)
}

func TestBatchCountLimit(t *testing.T) {
	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Uploader: uploader, MaxBatchCount: 2})

	enqueueN(t, engine, 5)
	for _, want := range [][]string{{"m-0", "m-1"}, {"m-2", "m-3"}, {"m-4"}} {
		flushAndSync(t, engine)
		got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for upload")
		if ids := got.messageIDs(t); !slices.Equal(ids, want) {
			t.Fatalf("uploaded ids = %v, want %v", ids, want)
		}
	}
	if size := engine.Size(); size != 0 {
		t.Fatalf("Size = %d, want 0", size)
	}
}

func TestBatchByteLimit(t *testing.T) {
	record, err := json.Marshal(trackEnvelope(0))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// Room for two records and their separators but not three.
	limit := 2*(len(record)+1) + len(record)/2

	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Uploader: uploader, MaxBatchBytes: limit})
	enqueueN(t, engine, 3)

	flushAndSync(t, engine)
	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for upload")
	if len(got.Batch) != 2 {
		t.Fatalf("first batch has %d records, want 2", len(got.Batch))
	}
	if size := engine.Size(); size != 1 {
		t.Fatalf("Size = %d, want 1", size)
	}
}

func TestRecordLargerThanBatchLimitStillShips(t *testing.T) {
	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Uploader: uploader, MaxBatchBytes: 10})
	enqueueN(t, engine, 2)

	flushAndSync(t, engine)
	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for upload")
	if len(got.Batch) != 1 {
		t.Fatalf("batch has %d records, want 1", len(got.Batch))
	}
}

func TestUploadOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		result      error
		wantSize    int
		wantFlushes int
		wantDropped int
	}{
		{name: "success", result: nil, wantSize: 0, wantFlushes: 1},
		{name: "rate limited", result: statusFailure(429), wantSize: 3},
		{name: "rejected", result: statusFailure(400), wantSize: 0, wantDropped: 3},
		{name: "server error", result: fmt.Errorf("wrapped: %w", statusFailure(503)), wantSize: 0, wantDropped: 3},
		{name: "transport", result: errors.New("connection refused"), wantSize: 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			uploader := newFakeUploader(test.result)
			counters := &stats.Counters{}
			engine := newTestEngine(t, Config{Uploader: uploader, Stats: counters})

			enqueueN(t, engine, 3)
			flushAndSync(t, engine)
			testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for upload")

			if size := engine.Size(); size != test.wantSize {
				t.Fatalf("Size = %d, want %d", size, test.wantSize)
			}
			snapshot := counters.Snapshot()
			if snapshot.Flushes != test.wantFlushes {
				t.Fatalf("Flushes = %d, want %d", snapshot.Flushes, test.wantFlushes)
			}
			if dropped := snapshot.Dropped[stats.DropRejected]; dropped != test.wantDropped {
				t.Fatalf("rejected drops = %d, want %d", dropped, test.wantDropped)
			}
		})
	}
}

func TestRetainedBatchIsResent(t *testing.T) {
	uploader := newFakeUploader(statusFailure(429))
	engine := newTestEngine(t, Config{Uploader: uploader})

	enqueueN(t, engine, 2)
	flushAndSync(t, engine)
	first := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for first upload")

	flushAndSync(t, engine)
	second := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for retry")
	if !slices.Equal(first.messageIDs(t), second.messageIDs(t)) {
		t.Fatalf("retry sent %v, first attempt sent %v", second.messageIDs(t), first.messageIDs(t))
	}
	if size := engine.Size(); size != 0 {
		t.Fatalf("Size after retry = %d, want 0", size)
	}
}

func TestDisconnectedSkipsFlush(t *testing.T) {
	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Uploader: uploader, Connectivity: fixedConnectivity(false)})

	enqueueN(t, engine, 3)
	flushAndSync(t, engine)
	requireNoUpload(t, uploader)
	if size := engine.Size(); size != 3 {
		t.Fatalf("Size = %d, want 3", size)
	}
}

func TestQueueFullDropsOldest(t *testing.T) {
	store := queue.NewMemory()
	counters := &stats.Counters{}
	engine := newTestEngine(t, Config{Queue: store, Stats: counters, MaxQueueSize: 3, FlushThreshold: 100})

	enqueueN(t, engine, 5)
	syncEngine(t, engine)

	if ids := queuedIDs(t, store); !slices.Equal(ids, []string{"m-2", "m-3", "m-4"}) {
		t.Fatalf("queued ids = %v, want m-2 m-3 m-4", ids)
	}
	if dropped := counters.Snapshot().Dropped[stats.DropOverflow]; dropped != 2 {
		t.Fatalf("overflow drops = %d, want 2", dropped)
	}
}

// gatedUploader blocks each upload until release is signalled.
type gatedUploader struct {
	started chan struct{}
	release chan error
	uploads chan upload
}

func (g *gatedUploader) Upload(ctx context.Context, write func(io.Writer) error) error {
	var body bytes.Buffer
	if err := write(&body); err != nil {
		return err
	}
	var decoded upload
	if err := json.Unmarshal(body.Bytes(), &decoded); err != nil {
		return err
	}
	g.started <- struct{}{}
	select {
	case result := <-g.release:
		g.uploads <- decoded
		return result
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestEvictionWaitsForInFlightBatch(t *testing.T) {
	store := queue.NewMemory()
	uploader := &gatedUploader{
		started: make(chan struct{}, 1),
		release: make(chan error),
		uploads: make(chan upload, 4),
	}
	counters := &stats.Counters{}
	engine := newTestEngine(t, Config{
		Queue:          store,
		Uploader:       uploader,
		Stats:          counters,
		MaxQueueSize:   3,
		FlushThreshold: 100,
	})

	enqueueN(t, engine, 3)
	if err := engine.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	testutil.RequireReceive(t, uploader.started, waitTimeout, "waiting for upload to start")

	// The queue is full; this enqueue must wait for the in-flight batch.
	if err := engine.Enqueue(trackEnvelope(3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	uploader.release <- nil
	syncEngine(t, engine)

	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for upload")
	if ids := got.messageIDs(t); !slices.Equal(ids, []string{"m-0", "m-1", "m-2"}) {
		t.Fatalf("uploaded ids = %v", ids)
	}
	if ids := queuedIDs(t, store); !slices.Equal(ids, []string{"m-3"}) {
		t.Fatalf("queued ids = %v, want m-3", ids)
	}
	if dropped := counters.Snapshot().Dropped[stats.DropOverflow]; dropped != 0 {
		t.Fatalf("overflow drops = %d, want 0", dropped)
	}
}

func TestOversizedEventIsDropped(t *testing.T) {
	counters := &stats.Counters{}
	engine := newTestEngine(t, Config{Stats: counters, MaxRecordBytes: 50})

	var dispatchErr error
	target := engine.Target()
	if target.Name() != dispatch.CollectorTarget {
		t.Fatalf("Target name = %q, want %q", target.Name(), dispatch.CollectorTarget)
	}
	if err := engine.Submit(func() {
		dispatchErr = target.Dispatch(context.Background(), trackEnvelope(0))
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	syncEngine(t, engine)

	if !errors.Is(dispatchErr, ErrRecordTooLarge) {
		t.Fatalf("Dispatch error = %v, want ErrRecordTooLarge", dispatchErr)
	}
	if size := engine.Size(); size != 0 {
		t.Fatalf("Size = %d, want 0", size)
	}
	if dropped := counters.Snapshot().Dropped[stats.DropOversized]; dropped != 1 {
		t.Fatalf("oversized drops = %d, want 1", dropped)
	}
}

func TestUnstorableEventIsDropped(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"wrap fails", Config{Wrapper: failingWrapper{}}},
		{"add fails", Config{Queue: failingAddQueue{Queue: queue.NewMemory(), err: errors.New("disk full")}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			counters := &stats.Counters{}
			config := test.config
			config.Stats = counters
			engine := newTestEngine(t, config)

			var dispatchErr error
			target := engine.Target()
			if err := engine.Submit(func() {
				dispatchErr = target.Dispatch(context.Background(), trackEnvelope(0))
			}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			syncEngine(t, engine)

			if dispatchErr == nil {
				t.Fatal("Dispatch succeeded for an event that could not be stored")
			}
			if size := engine.Size(); size != 0 {
				t.Fatalf("Size = %d, want 0", size)
			}
			if dropped := counters.Snapshot().Dropped[stats.DropUnstorable]; dropped != 1 {
				t.Fatalf("unstorable drops = %d, want 1", dropped)
			}
		})
	}
}

func TestNotDurableAddIsNotDropped(t *testing.T) {
	counters := &stats.Counters{}
	memory := queue.NewMemory()
	engine := newTestEngine(t, Config{Stats: counters, Queue: notDurableQueue{Queue: memory}})

	enqueueN(t, engine, 1)
	syncEngine(t, engine)

	if size := engine.Size(); size != 1 {
		t.Fatalf("Size = %d, want 1", size)
	}
	if dropped := counters.Snapshot().Dropped[stats.DropUnstorable]; dropped != 0 {
		t.Fatalf("unstorable drops = %d, want 0", dropped)
	}
}

// notDurableQueue applies every Add and Remove but reports each as
// unsynced.
type notDurableQueue struct {
	queue.Queue
}

func (q notDurableQueue) Add(data []byte) error {
	if err := q.Queue.Add(data); err != nil {
		return err
	}
	return fmt.Errorf("%w: sync failed", queue.ErrNotDurable)
}

func (q notDurableQueue) Remove(n int) error {
	if err := q.Queue.Remove(n); err != nil {
		return err
	}
	return fmt.Errorf("%w: sync failed", queue.ErrNotDurable)
}

func TestNotDurableRemoveCompletesEvictionAndDelivery(t *testing.T) {
	store := queue.NewMemory()
	uploader := newFakeUploader()
	counters := &stats.Counters{}
	engine := newTestEngine(t, Config{
		Queue:          notDurableQueue{Queue: store},
		Uploader:       uploader,
		Stats:          counters,
		MaxQueueSize:   2,
		FlushThreshold: 100,
	})

	enqueueN(t, engine, 3)
	syncEngine(t, engine)
	if dropped := counters.Snapshot().Dropped[stats.DropOverflow]; dropped != 1 {
		t.Fatalf("overflow drops = %d, want 1", dropped)
	}

	flushAndSync(t, engine)
	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for upload")
	if ids := got.messageIDs(t); !slices.Equal(ids, []string{"m-1", "m-2"}) {
		t.Fatalf("uploaded ids = %v, want m-1 m-2", ids)
	}
	if size := engine.Size(); size != 0 {
		t.Fatalf("Size after delivery = %d, want 0", size)
	}
}

func TestUnreadableRecordsAreSkippedAndRemoved(t *testing.T) {
	uploader := newFakeUploader()
	counters := &stats.Counters{}
	engine := newTestEngine(t, Config{Uploader: uploader, Stats: counters, Wrapper: poisonWrapper{}})

	poisoned := trackEnvelope(1)
	poisoned.Payload = event.Track{Event: "poison"}
	for _, envelope := range []event.Envelope{trackEnvelope(0), poisoned, trackEnvelope(2)} {
		if err := engine.Enqueue(envelope); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	flushAndSync(t, engine)

	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for upload")
	if ids := got.messageIDs(t); !slices.Equal(ids, []string{"m-0", "m-2"}) {
		t.Fatalf("uploaded ids = %v, want m-0 m-2", ids)
	}
	if size := engine.Size(); size != 0 {
		t.Fatalf("Size = %d, want 0", size)
	}
	if dropped := counters.Snapshot().Dropped[stats.DropUnreadable]; dropped != 1 {
		t.Fatalf("unreadable drops = %d, want 1", dropped)
	}
}

func TestAllUnreadableBatchIsRemovedWithoutUpload(t *testing.T) {
	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Uploader: uploader, Wrapper: poisonWrapper{}})

	poisoned := trackEnvelope(0)
	poisoned.Payload = event.Track{Event: "poison"}
	if err := engine.Enqueue(poisoned); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	flushAndSync(t, engine)

	requireNoUpload(t, uploader)
	if size := engine.Size(); size != 0 {
		t.Fatalf("Size = %d, want 0", size)
	}
}

func TestTimerTriggersFlush(t *testing.T) {
	fake := clock.Fake(epoch)
	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Uploader: uploader, Clock: fake, FlushInterval: 30 * time.Second})

	enqueueN(t, engine, 1)
	syncEngine(t, engine)
	requireNoUpload(t, uploader)

	fake.Advance(30 * time.Second)
	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for timer flush")
	if len(got.Batch) != 1 {
		t.Fatalf("batch has %d records, want 1", len(got.Batch))
	}
}

func TestShutdown(t *testing.T) {
	store := queue.NewMemory()
	uploader := newFakeUploader()
	engine := newTestEngine(t, Config{Queue: store, Uploader: uploader, FlushOnShutdown: true})

	enqueueN(t, engine, 2)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for final flush")
	if len(got.Batch) != 2 {
		t.Fatalf("final batch has %d records, want 2", len(got.Batch))
	}
	if !uploader.closed.Load() {
		t.Fatal("uploader was not closed")
	}
	if err := store.Add([]byte("x")); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("Add after Shutdown = %v, want ErrClosed", err)
	}

	if err := engine.Enqueue(trackEnvelope(9)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Enqueue after Shutdown = %v, want ErrShutdown", err)
	}
	if err := engine.Flush(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Flush after Shutdown = %v, want ErrShutdown", err)
	}
	if err := engine.Sync(ctx); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Sync after Shutdown = %v, want ErrShutdown", err)
	}
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdownDeadlineCancelsUpload(t *testing.T) {
	uploader := &gatedUploader{
		started: make(chan struct{}, 1),
		release: make(chan error),
		uploads: make(chan upload, 1),
	}
	engine := newTestEngine(t, Config{Uploader: uploader})

	enqueueN(t, engine, 1)
	if err := engine.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	testutil.RequireReceive(t, uploader.started, waitTimeout, "waiting for upload to start")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := engine.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want DeadlineExceeded", err)
	}
	// Cleanup's Shutdown waits for the teardown the cancelled upload
	// unblocked.
}

func TestFileQueueRedeliversAfterRestart(t *testing.T) {
	path := testutil.QueuePath(t)

	store, err := queue.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	failing := newFakeUploader(errors.New("network down"))
	engine := newTestEngine(t, Config{Queue: store, Uploader: failing})
	enqueueN(t, engine, 3)
	flushAndSync(t, engine)
	testutil.RequireReceive(t, failing.uploads, waitTimeout, "waiting for failed upload")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	reopened, err := queue.OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	uploader := newFakeUploader()
	restarted := newTestEngine(t, Config{Queue: reopened, Uploader: uploader})
	if size := restarted.Size(); size != 3 {
		t.Fatalf("Size after restart = %d, want 3", size)
	}
	flushAndSync(t, restarted)
	got := testutil.RequireReceive(t, uploader.uploads, waitTimeout, "waiting for redelivery")
	if ids := got.messageIDs(t); !slices.Equal(ids, []string{"m-0", "m-1", "m-2"}) {
		t.Fatalf("redelivered ids = %v", ids)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name   string
		config Config
	}{
		{name: "no queue", config: Config{Uploader: newFakeUploader(), Logger: logger}},
		{name: "no uploader", config: Config{Queue: queue.NewMemory(), Logger: logger}},
		{name: "no logger", config: Config{Queue: queue.NewMemory(), Uploader: newFakeUploader()}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(test.config); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}
