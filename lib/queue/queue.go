// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the uniform interface the delivery engine uses to
// store records, with a durable file backend and a volatile memory
// backend. Both backends have identical ordering, removal, and error
// semantics, and both are safe for concurrent use.
package queue

import (
	"fmt"
	"io"

	"github.com/bureau-foundation/eventpipe/lib/queuefile"
)

// Errors shared by every backend.
var (
	ErrClosed            = queuefile.ErrClosed
	ErrEmptyRecord       = queuefile.ErrEmptyRecord
	ErrNegativeCount     = queuefile.ErrNegativeCount
	ErrRemoveExceedsSize = queuefile.ErrRemoveExceedsSize
	ErrNotDurable        = queuefile.ErrNotDurable
)

// Visitor receives each record during ForEach. See queuefile.Visitor.
type Visitor = queuefile.Visitor

// Queue is a FIFO of opaque byte records.
type Queue interface {
	// Add appends a non-empty record.
	Add(data []byte) error

	// Peek returns the oldest record, or nil when empty.
	Peek() ([]byte, error)

	// Remove discards the n oldest records. n < 0 and n > Size are
	// errors and leave the queue unchanged.
	Remove(n int) error

	// ForEach visits records oldest first until the visitor stops.
	// The visitor must not call back into the queue.
	ForEach(visitor Visitor) error

	// Size returns the record count.
	Size() int

	// Close releases the backend. Closing twice is a no-op.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is BackendFile or BackendMemory. Empty means file.
	Backend string

	// Path is the queue file location. Required for the file backend.
	Path string
}

// Open returns the backend described by config.
func Open(config Config) (Queue, error) {
	switch config.Backend {
	case "", BackendFile:
		if config.Path == "" {
			return nil, fmt.Errorf("queue: path is required for the %s backend", BackendFile)
		}
		return OpenFile(config.Path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", config.Backend)
	}
}

// ReadAll returns every record in the queue, oldest first.
func ReadAll(queue Queue) ([][]byte, error) {
	var records [][]byte
	err := queue.ForEach(func(reader io.Reader, length int) (bool, error) {
		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return false, err
		}
		records = append(records, data)
		return true, nil
	})
	return records, err
}
