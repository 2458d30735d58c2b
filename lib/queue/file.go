// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"

	"github.com/bureau-foundation/eventpipe/lib/queuefile"
)

// File is the durable backend: a queuefile.File behind a mutex.
type File struct {
	mu   sync.Mutex
	file *queuefile.File
}

// OpenFile opens or creates the queue file at path.
func OpenFile(path string) (*File, error) {
	file, err := queuefile.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{file: file}, nil
}

func (q *File) Add(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Add(data)
}

func (q *File) Peek() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Peek()
}

func (q *File) Remove(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Remove(n)
}

func (q *File) ForEach(visitor Visitor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.ForEach(visitor)
}

func (q *File) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Size()
}

// Clear removes every record and shrinks the file.
func (q *File) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Clear()
}

// Header returns the committed file header.
func (q *File) Header() queuefile.Header {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Header()
}

func (q *File) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Close()
}
