// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"bytes"
	"fmt"
	"sync"
)

// Memory is the volatile backend. Records are lost when the process
// exits.
type Memory struct {
	mu      sync.Mutex
	records [][]byte
	closed  bool
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{}
}

func (q *Memory) Add(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return ErrEmptyRecord
	}
	q.records = append(q.records, bytes.Clone(data))
	return nil
}

func (q *Memory) Peek() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if len(q.records) == 0 {
		return nil, nil
	}
	return bytes.Clone(q.records[0]), nil
}

func (q *Memory) Remove(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	switch {
	case n < 0:
		return ErrNegativeCount
	case n > len(q.records):
		return fmt.Errorf("%w: removing %d of %d", ErrRemoveExceedsSize, n, len(q.records))
	}
	clear(q.records[:n])
	q.records = q.records[n:]
	return nil
}

func (q *Memory) ForEach(visitor Visitor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, record := range q.records {
		more, err := visitor(bytes.NewReader(record), len(record))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (q *Memory) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.records = nil
	return nil
}
