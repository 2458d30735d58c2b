// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuefile

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt matches every *CorruptionError via errors.Is.
	ErrCorrupt = errors.New("queuefile: corrupt queue file")

	// ErrClosed is returned by every operation on a closed File.
	ErrClosed = errors.New("queuefile: file closed")

	// ErrLocked is returned by Open when another handle holds the file.
	ErrLocked = errors.New("queuefile: file is locked by another owner")

	// ErrEmptyRecord is returned by Add for zero-length data.
	ErrEmptyRecord = errors.New("queuefile: empty record")

	// ErrNegativeCount is returned by Remove for n < 0.
	ErrNegativeCount = errors.New("queuefile: cannot remove a negative number of records")

	// ErrRemoveExceedsSize is returned by Remove when n is larger than
	// the number of stored records.
	ErrRemoveExceedsSize = errors.New("queuefile: cannot remove more records than are stored")

	// ErrCapacityExceeded is returned by Add when storing the record
	// would grow the file beyond MaxFileLength.
	ErrCapacityExceeded = errors.New("queuefile: file would exceed maximum length")

	// ErrNotDurable is returned when a header was written but a step
	// after it failed: the header sync, or zeroing removed bytes. The
	// operation took effect in this File and in the page cache; whether
	// it survives a crash is unknown.
	ErrNotDurable = errors.New("queuefile: change applied but not synced")
)

// CorruptionError describes a queue file whose header or element
// headers are inconsistent. The file is never repaired automatically;
// the caller decides whether to discard it.
type CorruptionError struct {
	Path   string
	Reason string

	// Header values as stored on disk.
	FileLength int64
	Count      int64
	First      int64
	Last       int64

	// ActualLength is the size of the file on disk.
	ActualLength int64
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("queuefile: corrupt queue file %s: %s (header length=%d count=%d first=%d last=%d, actual length=%d)",
		e.Path, e.Reason, e.FileLength, e.Count, e.First, e.Last, e.ActualLength)
}

// Is reports whether target is ErrCorrupt.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}
