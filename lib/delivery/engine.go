// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery is the batching and delivery engine. Serialized
// events go into a queue.Queue; flushes read the oldest records, upload
// them as one batch, and remove them once the collector has answered.
//
// The engine owns two sequential workers. The queue worker serializes
// events and mutates the queue; the flush worker builds and uploads
// batches. Both accept work without blocking. A flush holds the flush
// lock from the first read to the final removal, and drop-oldest
// eviction on a full queue takes the same lock, so a record is never
// evicted out from under a batch that is in flight.
//
// Delivery is at-least-once: a crash between a successful upload and
// the removal re-sends that batch on the next run.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/eventpipe/lib/clock"
	"github.com/bureau-foundation/eventpipe/lib/event"
	"github.com/bureau-foundation/eventpipe/lib/queue"
	"github.com/bureau-foundation/eventpipe/lib/stats"
	"github.com/bureau-foundation/eventpipe/lib/wrap"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultMaxQueueSize   = 1000
	DefaultFlushThreshold = 20
	DefaultFlushInterval  = 30 * time.Second
	DefaultMaxBatchCount  = 100
	DefaultMaxBatchBytes  = 475000
	DefaultMaxRecordBytes = 32000
)

var (
	// ErrShutdown is returned by every entry point after Shutdown.
	ErrShutdown = errors.New("delivery: engine is shut down")

	// ErrRecordTooLarge is returned for an event whose serialized form
	// exceeds MaxRecordBytes. The event is dropped.
	ErrRecordTooLarge = errors.New("delivery: record exceeds maximum size")
)

// Uploader sends one batch. write produces the uncompressed JSON body.
// An error carrying an HTTP status (a Status() int method reachable
// through errors.As) means the collector answered; any other error is a
// transport failure.
type Uploader interface {
	Upload(ctx context.Context, write func(io.Writer) error) error
}

// Connectivity reports whether an upload is worth attempting.
type Connectivity interface {
	Connected(ctx context.Context) bool
}

type alwaysConnected struct{}

func (alwaysConnected) Connected(context.Context) bool { return true }

// statusError is satisfied by collector.HTTPError.
type statusError interface {
	error
	Status() int
}

// Config holds the engine's collaborators and limits.
type Config struct {
	// Queue stores serialized records. Required. The engine closes it
	// on Shutdown.
	Queue queue.Queue

	// Uploader sends batches. Required. Closed on Shutdown if it is an
	// io.Closer.
	Uploader Uploader

	// Connectivity gates flushes. Defaults to always connected.
	Connectivity Connectivity

	// Wrapper transforms records on their way into the queue and back.
	// Defaults to wrap.None.
	Wrapper wrap.Wrapper

	// Stats receives flush counts and drops. Defaults to stats.Nop.
	Stats stats.Recorder

	// Clock drives the flush ticker and batch timestamps. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger

	// MaxQueueSize is the record count at which the oldest record is
	// evicted to make room.
	MaxQueueSize int

	// FlushThreshold is the queue size that triggers a flush after an
	// enqueue.
	FlushThreshold int

	// FlushInterval is the period of timer-triggered flushes. Negative
	// disables the timer.
	FlushInterval time.Duration

	// FlushOnShutdown runs one final flush after the queue worker has
	// drained.
	FlushOnShutdown bool

	// MaxBatchCount and MaxBatchBytes bound one upload.
	MaxBatchCount int
	MaxBatchBytes int

	// MaxRecordBytes bounds one serialized event.
	MaxRecordBytes int
}

// Engine batches and delivers events. All methods are safe for
// concurrent use.
type Engine struct {
	queue        queue.Queue
	uploader     Uploader
	connectivity Connectivity
	wrapper      wrap.Wrapper
	stats        stats.Recorder
	clock        clock.Clock
	logger       *slog.Logger

	maxQueueSize    int
	flushThreshold  int
	flushOnShutdown bool
	maxBatchCount   int
	maxBatchBytes   int
	maxRecordBytes  int

	queueWorker *worker
	flushWorker *worker

	// flushMu is held for the whole of a flush and for drop-oldest
	// eviction.
	flushMu      sync.Mutex
	flushPending atomic.Bool

	// uploadContext is cancelled when Shutdown's context expires, so
	// an in-flight upload does not outlive the caller's deadline.
	uploadContext context.Context
	cancelUploads context.CancelFunc

	shutdown     atomic.Bool
	shutdownOnce sync.Once
	tickerStop   chan struct{}
	tickerDone   chan struct{}
	finished     chan struct{}
}

// New validates config, applies defaults, and starts the workers and
// the flush ticker.
func New(config Config) (*Engine, error) {
	if config.Queue == nil {
		return nil, errors.New("delivery: Queue is required")
	}
	if config.Uploader == nil {
		return nil, errors.New("delivery: Uploader is required")
	}
	if config.Logger == nil {
		return nil, errors.New("delivery: Logger is required")
	}
	if config.Connectivity == nil {
		config.Connectivity = alwaysConnected{}
	}
	if config.Wrapper == nil {
		config.Wrapper = wrap.None{}
	}
	if config.Stats == nil {
		config.Stats = stats.Nop{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = DefaultMaxQueueSize
	}
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = DefaultFlushThreshold
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.MaxBatchCount <= 0 {
		config.MaxBatchCount = DefaultMaxBatchCount
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if config.MaxRecordBytes <= 0 {
		config.MaxRecordBytes = DefaultMaxRecordBytes
	}

	uploadContext, cancelUploads := context.WithCancel(context.Background())
	engine := &Engine{
		queue:           config.Queue,
		uploader:        config.Uploader,
		connectivity:    config.Connectivity,
		wrapper:         config.Wrapper,
		stats:           config.Stats,
		clock:           config.Clock,
		logger:          config.Logger,
		maxQueueSize:    config.MaxQueueSize,
		flushThreshold:  config.FlushThreshold,
		flushOnShutdown: config.FlushOnShutdown,
		maxBatchCount:   config.MaxBatchCount,
		maxBatchBytes:   config.MaxBatchBytes,
		maxRecordBytes:  config.MaxRecordBytes,
		queueWorker:     newWorker(),
		flushWorker:     newWorker(),
		uploadContext:   uploadContext,
		cancelUploads:   cancelUploads,
		tickerStop:      make(chan struct{}),
		tickerDone:      make(chan struct{}),
		finished:        make(chan struct{}),
	}

	if config.FlushInterval > 0 {
		go engine.runTicker(config.Clock.NewTicker(config.FlushInterval))
	} else {
		close(engine.tickerDone)
	}
	return engine, nil
}

func (e *Engine) runTicker(ticker *clock.Ticker) {
	defer close(e.tickerDone)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.scheduleFlush()
		case <-e.tickerStop:
			return
		}
	}
}

// Enqueue hands envelope to the queue worker and returns. Encoding and
// queue failures on the worker are logged, not returned.
func (e *Engine) Enqueue(envelope event.Envelope) error {
	if e.shutdown.Load() {
		return ErrShutdown
	}
	if !e.queueWorker.submit(func() { _ = e.enqueue(envelope) }) {
		return ErrShutdown
	}
	return nil
}

// Submit runs task on the queue worker after every previously submitted
// task. Code running there may use Target to enqueue inline.
func (e *Engine) Submit(task func()) error {
	if e.shutdown.Load() {
		return ErrShutdown
	}
	if !e.queueWorker.submit(task) {
		return ErrShutdown
	}
	return nil
}

// Flush requests an upload of the records enqueued so far. The request
// is ordered after pending enqueues and coalesces with any flush that
// has not started yet.
func (e *Engine) Flush() error {
	return e.Submit(e.scheduleFlush)
}

// Sync waits until every task submitted to either worker before the
// call has run.
func (e *Engine) Sync(ctx context.Context) error {
	reached := make(chan struct{})
	barrier := func() {
		if !e.flushWorker.submit(func() { close(reached) }) {
			close(reached)
		}
	}
	if err := e.Submit(barrier); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of records in the queue.
func (e *Engine) Size() int {
	return e.queue.Size()
}

// enqueue serializes envelope and appends it to the queue. It runs on
// the queue worker.
func (e *Engine) enqueue(envelope event.Envelope) error {
	record, err := json.Marshal(envelope)
	if err != nil {
		e.logger.Error("dropping event that failed to encode",
			"message_id", envelope.MessageID,
			"error", err,
		)
		stats.Drop(e.stats, stats.DropUnreadable, 1)
		return fmt.Errorf("delivery: encoding event: %w", err)
	}
	if len(record) > e.maxRecordBytes {
		e.logger.Error("dropping oversized event",
			"message_id", envelope.MessageID,
			"bytes", len(record),
			"limit", e.maxRecordBytes,
		)
		stats.Drop(e.stats, stats.DropOversized, 1)
		return fmt.Errorf("%w: %d bytes, limit %d", ErrRecordTooLarge, len(record), e.maxRecordBytes)
	}

	stored, err := e.wrapper.Wrap(record)
	if err != nil {
		e.logger.Error("dropping event that failed to wrap",
			"message_id", envelope.MessageID,
			"error", err,
		)
		stats.Drop(e.stats, stats.DropUnstorable, 1)
		return fmt.Errorf("delivery: wrapping record: %w", err)
	}

	if e.queue.Size() >= e.maxQueueSize {
		e.evictOldest()
	}
	if err := e.queue.Add(stored); errors.Is(err, queue.ErrNotDurable) {
		e.logger.Warn("queued event may not survive a crash",
			"message_id", envelope.MessageID,
			"error", err,
		)
	} else if err != nil {
		e.logger.Error("dropping event the queue could not store",
			"message_id", envelope.MessageID,
			"error", err,
		)
		stats.Drop(e.stats, stats.DropUnstorable, 1)
		return fmt.Errorf("delivery: adding record: %w", err)
	}

	if e.queue.Size() >= e.flushThreshold {
		e.scheduleFlush()
	}
	return nil
}

func (e *Engine) evictOldest() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	if e.queue.Size() < e.maxQueueSize {
		return
	}
	if err := e.removeRecords(1); err != nil {
		e.logger.Error("evicting oldest record failed", "error", err)
		return
	}
	e.logger.Warn("queue full, dropped oldest record", "limit", e.maxQueueSize)
	stats.Drop(e.stats, stats.DropOverflow, 1)
}

// scheduleFlush puts a flush on the flush worker unless one is already
// waiting to start.
func (e *Engine) scheduleFlush() {
	if !e.flushPending.CompareAndSwap(false, true) {
		return
	}
	submitted := e.flushWorker.submit(func() {
		e.flushPending.Store(false)
		e.flush()
	})
	if !submitted {
		e.flushPending.Store(false)
	}
}

// batch is the prefix of the queue read by one flush.
type batch struct {
	// records are the unwrapped records that will be uploaded.
	records []json.RawMessage

	// consumed is the number of queue records the batch covers,
	// including unreadable ones.
	consumed int

	// unreadable counts records Unwrap rejected.
	unreadable int
}

// flush uploads one batch and reconciles the queue with the outcome.
// It runs on the flush worker and never returns an error: every failure
// is logged and either retained for the next flush or dropped.
func (e *Engine) flush() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	if e.queue.Size() == 0 {
		return
	}
	if !e.connectivity.Connected(e.uploadContext) {
		e.logger.Debug("skipping flush while disconnected", "queued", e.queue.Size())
		return
	}

	current, err := e.collect()
	if err != nil {
		e.logger.Error("reading batch from queue failed", "error", err)
		return
	}
	if current.consumed == 0 {
		return
	}
	if len(current.records) == 0 {
		e.logger.Warn("removing unreadable records", "records", current.consumed)
		e.remove(current)
		return
	}

	sentAt := e.clock.Now()
	err = e.uploader.Upload(e.uploadContext, func(w io.Writer) error {
		return writeBatch(w, current.records, sentAt)
	})
	e.reconcile(current, err)

	if err == nil && e.queue.Size() >= e.flushThreshold {
		e.scheduleFlush()
	}
}

// collect reads the batch prefix of the queue. Caller holds flushMu.
func (e *Engine) collect() (batch, error) {
	var current batch
	size := 0
	err := e.queue.ForEach(func(reader io.Reader, length int) (bool, error) {
		if current.consumed >= e.maxBatchCount {
			return false, nil
		}
		stored := make([]byte, length)
		if _, err := io.ReadFull(reader, stored); err != nil {
			return false, err
		}
		record, err := e.wrapper.Unwrap(stored)
		if err != nil || !json.Valid(record) {
			e.logger.Warn("skipping unreadable queue record", "bytes", length, "error", err)
			current.consumed++
			current.unreadable++
			return true, nil
		}
		// The first record always fits so an oversized record cannot
		// stall the queue.
		if len(current.records) > 0 && size+len(record)+1 > e.maxBatchBytes {
			return false, nil
		}
		current.records = append(current.records, record)
		current.consumed++
		size += len(record) + 1
		return true, nil
	})
	return current, err
}

// reconcile applies the upload outcome to the queue. Caller holds
// flushMu.
func (e *Engine) reconcile(current batch, err error) {
	if err == nil {
		e.remove(current)
		e.stats.RecordFlush(len(current.records))
		e.logger.Debug("batch delivered", "records", len(current.records))
		return
	}

	var rejected statusError
	if !errors.As(err, &rejected) || rejected.Status() < 300 {
		e.logger.Warn("batch upload failed, will retry",
			"records", len(current.records),
			"error", err,
		)
		return
	}

	if rejected.Status() == http.StatusTooManyRequests {
		e.logger.Warn("batch rate limited, will retry",
			"records", len(current.records),
			"error", err,
		)
		return
	}

	e.logger.Error("batch rejected by collector, dropping",
		"status", rejected.Status(),
		"records", len(current.records),
		"error", err,
	)
	e.remove(current)
	stats.Drop(e.stats, stats.DropRejected, len(current.records))
}

func (e *Engine) remove(current batch) {
	if err := e.removeRecords(current.consumed); err != nil {
		e.logger.Error("removing batch from queue failed",
			"records", current.consumed,
			"error", err,
		)
		return
	}
	if current.unreadable > 0 {
		stats.Drop(e.stats, stats.DropUnreadable, current.unreadable)
	}
}

// removeRecords removes the n oldest records. An ErrNotDurable result
// means they are gone, so it is logged and reported as success.
func (e *Engine) removeRecords(n int) error {
	err := e.queue.Remove(n)
	if errors.Is(err, queue.ErrNotDurable) {
		e.logger.Warn("removed records may reappear after a crash", "records", n, "error", err)
		return nil
	}
	return err
}

// writeBatch streams the upload body:
// {"batch":[record,...],"sentAt":"..."}.
func writeBatch(w io.Writer, records []json.RawMessage, sentAt time.Time) error {
	if _, err := io.WriteString(w, `{"batch":[`); err != nil {
		return err
	}
	for i, record := range records {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		if _, err := w.Write(record); err != nil {
			return err
		}
	}
	stamp, err := json.Marshal(sentAt.UTC().Format(event.TimeFormat))
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, `],"sentAt":`); err != nil {
		return err
	}
	if _, err := w.Write(stamp); err != nil {
		return err
	}
	_, err = io.WriteString(w, "}")
	return err
}

// Shutdown stops the flush timer, refuses new work, waits for work
// already submitted to both workers, then closes the queue and the
// uploader. If ctx expires first, in-flight uploads are cancelled and
// ctx's error is returned; the remaining teardown continues in the
// background. Calls after the first wait for the same teardown.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdown.Store(true)
		close(e.tickerStop)
		go e.teardown()
	})

	select {
	case <-e.finished:
		return nil
	case <-ctx.Done():
		e.cancelUploads()
		return fmt.Errorf("delivery: shutdown: %w", ctx.Err())
	}
}

func (e *Engine) teardown() {
	defer close(e.finished)
	defer e.cancelUploads()

	<-e.tickerDone

	e.queueWorker.stop()
	_ = e.queueWorker.wait(context.Background())

	if e.flushOnShutdown {
		e.flushWorker.submit(e.flush)
	}
	e.flushWorker.stop()
	_ = e.flushWorker.wait(context.Background())

	if err := e.queue.Close(); err != nil {
		e.logger.Error("closing queue failed", "error", err)
	}
	if closer, ok := e.uploader.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			e.logger.Error("closing uploader failed", "error", err)
		}
	}
}
