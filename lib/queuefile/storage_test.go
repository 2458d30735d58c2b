// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuefile

import (
	"errors"
	"io"
	"testing"
)

// memStorage is an in-memory storage. A failed write never lands, so
// the bytes after a fault are exactly what a crash at that instant
// could leave on disk.
type memStorage struct {
	data   []byte
	closed bool
}

func newMemStorage(t *testing.T) *memStorage {
	t.Helper()
	data := make([]byte, InitialLength)
	encodeHeader(data, header{fileLength: InitialLength})
	return &memStorage{data: data}
}

func (s *memStorage) ReadAt(buffer []byte, offset int64) (int, error) {
	if offset >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(buffer, s.data[offset:])
	if n < len(buffer) {
		return n, io.EOF
	}
	return n, nil
}

func (s *memStorage) WriteAt(buffer []byte, offset int64) (int, error) {
	if end := offset + int64(len(buffer)); end > int64(len(s.data)) {
		s.data = append(s.data, make([]byte, end-int64(len(s.data)))...)
	}
	return copy(s.data[offset:], buffer), nil
}

func (s *memStorage) Truncate(size int64) error {
	if size <= int64(len(s.data)) {
		s.data = s.data[:size]
		return nil
	}
	s.data = append(s.data, make([]byte, size-int64(len(s.data)))...)
	return nil
}

func (s *memStorage) Sync() error          { return nil }
func (s *memStorage) Size() (int64, error) { return int64(len(s.data)), nil }
func (s *memStorage) Close() error         { s.closed = true; return nil }

// snapshot copies the current bytes, as if the process died now.
func (s *memStorage) snapshot() *memStorage {
	return &memStorage{data: append([]byte(nil), s.data...)}
}

var errInjected = errors.New("injected fault")

// faultStorage fails the failAt-th mutating call (WriteAt, Truncate,
// Sync), counting from 1. Calls before it pass through.
type faultStorage struct {
	*memStorage
	failAt int
	calls  int
}

func (s *faultStorage) fault() bool {
	s.calls++
	return s.calls == s.failAt
}

func (s *faultStorage) WriteAt(buffer []byte, offset int64) (int, error) {
	if s.fault() {
		return 0, errInjected
	}
	return s.memStorage.WriteAt(buffer, offset)
}

func (s *faultStorage) Truncate(size int64) error {
	if s.fault() {
		return errInjected
	}
	return s.memStorage.Truncate(size)
}

func (s *faultStorage) Sync() error {
	if s.fault() {
		return errInjected
	}
	return nil
}
