// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queuefile implements a durable FIFO of byte records stored in
// a single file used as a circular buffer.
//
// The file starts with a 16-byte header of four big-endian uint32
// values:
//
//	offset  0  file length (bytes of the file in use by the ring)
//	offset  4  element count
//	offset  8  position of the first (oldest) element
//	offset 12  position of the last (newest) element
//
// Each element is a 4-byte big-endian payload length followed by the
// payload. Elements occupy the region [16, file length) and wrap from
// the end of that region back to offset 16.
//
// Every mutation writes its data first, syncs it, and then rewrites the
// header. The header write is the commit point: a crash at any moment
// leaves the file describing either the state before the operation or
// the state after it. When the ring runs out of space the file doubles
// in size and any wrapped tail is moved so the ring is contiguous again.
//
// A File is not safe for concurrent use; callers serialize access (see
// lib/queue). Open takes an exclusive flock so only one File owns a
// path at a time.
package queuefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

const (
	// HeaderLength is the size of the file header.
	HeaderLength = 16

	// ElementHeaderLength is the size of each element's length prefix.
	ElementHeaderLength = 4

	// InitialLength is the length of a new or cleared file.
	InitialLength = 4096

	// MaxFileLength bounds growth. Doubling from InitialLength reaches
	// it exactly, and every offset stays representable in the uint32
	// header fields.
	MaxFileLength = 1 << 30
)

// header mirrors the on-disk header.
type header struct {
	fileLength int64
	count      int64
	first      int64
	last       int64
}

func encodeHeader(buffer []byte, h header) {
	binary.BigEndian.PutUint32(buffer[0:4], uint32(h.fileLength))
	binary.BigEndian.PutUint32(buffer[4:8], uint32(h.count))
	binary.BigEndian.PutUint32(buffer[8:12], uint32(h.first))
	binary.BigEndian.PutUint32(buffer[12:16], uint32(h.last))
}

func decodeHeader(buffer []byte) header {
	return header{
		fileLength: int64(binary.BigEndian.Uint32(buffer[0:4])),
		count:      int64(binary.BigEndian.Uint32(buffer[4:8])),
		first:      int64(binary.BigEndian.Uint32(buffer[8:12])),
		last:       int64(binary.BigEndian.Uint32(buffer[12:16])),
	}
}

// element locates one record: position of its length prefix and the
// payload length.
type element struct {
	position int64
	length   int64
}

// end returns the unwrapped offset just past the element's payload.
func (e element) end() int64 {
	return e.position + ElementHeaderLength + e.length
}

// Header is a read-only snapshot of the committed header, for
// inspection tools.
type Header struct {
	FileLength int64
	Count      int
	First      int64
	Last       int64
}

// Visitor is called by ForEach for each record, oldest first. The
// reader yields exactly length bytes and is valid only during the call.
// Returning false stops the iteration. The visitor must not call back
// into the File.
type Visitor func(record io.Reader, length int) (bool, error)

// File is an open queue file.
type File struct {
	path  string
	store storage

	fileLength int64
	count      int64
	first      element
	last       element

	closed bool
}

// Open opens the queue file at path, creating it if it does not exist.
// An existing file whose header is inconsistent yields a
// *CorruptionError; the file is left untouched.
func Open(path string) (*File, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := initialize(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("queuefile: %w", err)
	}

	store, err := openOSStorage(path)
	if err != nil {
		return nil, err
	}
	file, err := openStorage(path, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return file, nil
}

// openStorage validates the header held by store and returns a File
// over it. path is used only in diagnostics.
func openStorage(path string, store storage) (*File, error) {
	actual, err := store.Size()
	if err != nil {
		return nil, fmt.Errorf("queuefile: reading size of %s: %w", path, err)
	}
	corrupt := func(h header, reason string) error {
		return &CorruptionError{
			Path:         path,
			Reason:       reason,
			FileLength:   h.fileLength,
			Count:        h.count,
			First:        h.first,
			Last:         h.last,
			ActualLength: actual,
		}
	}
	if actual < HeaderLength {
		return nil, corrupt(header{}, "file is shorter than the header")
	}

	buffer := make([]byte, HeaderLength)
	if _, err := store.ReadAt(buffer, 0); err != nil {
		return nil, fmt.Errorf("queuefile: reading header of %s: %w", path, err)
	}
	h := decodeHeader(buffer)

	switch {
	case h.fileLength <= HeaderLength:
		return nil, corrupt(h, "file length does not cover the header")
	case h.fileLength > actual:
		return nil, corrupt(h, "file length exceeds actual file size")
	case h.first >= h.fileLength || h.last >= h.fileLength:
		return nil, corrupt(h, "element position beyond file length")
	case h.count > 0 && (h.first < HeaderLength || h.last < HeaderLength):
		return nil, corrupt(h, "element position inside the header")
	}

	file := &File{
		path:       path,
		store:      store,
		fileLength: h.fileLength,
		count:      h.count,
	}
	if h.count == 0 {
		return file, nil
	}

	firstLength, err := file.readLength(h.first)
	if err != nil {
		return nil, err
	}
	lastLength, err := file.readLength(h.last)
	if err != nil {
		return nil, err
	}
	if !file.validLength(firstLength) {
		return nil, corrupt(h, fmt.Sprintf("first element has invalid length %d", firstLength))
	}
	if !file.validLength(lastLength) {
		return nil, corrupt(h, fmt.Sprintf("last element has invalid length %d", lastLength))
	}
	file.first = element{position: h.first, length: firstLength}
	file.last = element{position: h.last, length: lastLength}
	return file, nil
}

// Size returns the number of stored records.
func (f *File) Size() int { return int(f.count) }

// FileLength returns the committed ring length.
func (f *File) FileLength() int64 { return f.fileLength }

// Path returns the path the File was opened from.
func (f *File) Path() string { return f.path }

// Header returns the committed header.
func (f *File) Header() Header {
	return Header{
		FileLength: f.fileLength,
		Count:      int(f.count),
		First:      f.first.position,
		Last:       f.last.position,
	}
}

// UsedBytes returns the bytes occupied by the header and all elements.
func (f *File) UsedBytes() int64 {
	if f.count == 0 {
		return HeaderLength
	}
	if f.last.position >= f.first.position {
		return f.last.end() - f.first.position + HeaderLength
	}
	// The ring wraps: from first to the end of the file, plus from the
	// header to the end of last.
	return f.last.end() + f.fileLength - f.first.position
}

func (f *File) remainingBytes() int64 {
	return f.fileLength - f.UsedBytes()
}

// Add appends data as the newest record. An error matching
// ErrNotDurable means the record was added but may not survive a
// crash; any other error means it was not added.
func (f *File) Add(data []byte) error {
	if f.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return ErrEmptyRecord
	}
	length := int64(len(data))
	if err := f.expandIfNecessary(ElementHeaderLength + length); err != nil {
		return err
	}

	wasEmpty := f.count == 0
	position := int64(HeaderLength)
	if !wasEmpty {
		position = f.wrap(f.last.end())
	}
	added := element{position: position, length: length}

	buffer := make([]byte, ElementHeaderLength+length)
	binary.BigEndian.PutUint32(buffer, uint32(length))
	copy(buffer[ElementHeaderLength:], data)
	if err := f.ringWrite(position, buffer); err != nil {
		return fmt.Errorf("queuefile: writing record: %w", err)
	}
	if err := f.store.Sync(); err != nil {
		return fmt.Errorf("queuefile: syncing record: %w", err)
	}

	first := f.first
	if wasEmpty {
		first = added
	}
	return f.commit(header{
		fileLength: f.fileLength,
		count:      f.count + 1,
		first:      first.position,
		last:       added.position,
	}, func() {
		f.count++
		f.first = first
		f.last = added
	})
}

// Peek returns a copy of the oldest record, or nil if the file is empty.
func (f *File) Peek() ([]byte, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if f.count == 0 {
		return nil, nil
	}
	data := make([]byte, f.first.length)
	if err := f.ringRead(f.first.position+ElementHeaderLength, data); err != nil {
		return nil, fmt.Errorf("queuefile: reading record: %w", err)
	}
	return data, nil
}

// ForEach calls visitor for each record from oldest to newest until the
// visitor returns false or an error, which ForEach returns.
func (f *File) ForEach(visitor Visitor) error {
	if f.closed {
		return ErrClosed
	}
	current := f.first
	for index := int64(0); index < f.count; index++ {
		if index > 0 {
			position := f.wrap(current.end())
			length, err := f.readLength(position)
			if err != nil {
				return err
			}
			if !f.validLength(length) {
				return f.corruptElement(position, length)
			}
			current = element{position: position, length: length}
		}
		reader := &ringReader{file: f, position: current.position + ElementHeaderLength, remaining: current.length}
		more, err := visitor(reader, int(current.length))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Remove discards the n oldest records. Removing zero records is a
// no-op; removing every record is equivalent to Clear. Invalid counts
// return an error without touching the file.
//
// The header advance is committed before the removed bytes are zeroed,
// so a crash between the two steps never leaves zeroed bytes inside the
// live region, where Open would read them as zero-length elements and
// reject the file as corrupt. If zeroing fails the records are already
// gone and the error matches ErrNotDurable.
func (f *File) Remove(n int) error {
	if f.closed {
		return ErrClosed
	}
	switch {
	case n < 0:
		return ErrNegativeCount
	case n == 0:
		return nil
	case int64(n) == f.count:
		return f.Clear()
	case int64(n) > f.count:
		return fmt.Errorf("%w: removing %d of %d", ErrRemoveExceedsSize, n, f.count)
	}

	eraseStart := f.first.position
	var eraseTotal int64
	first := f.first
	for range n {
		eraseTotal += ElementHeaderLength + first.length
		position := f.wrap(first.end())
		length, err := f.readLength(position)
		if err != nil {
			return err
		}
		if !f.validLength(length) {
			return f.corruptElement(position, length)
		}
		first = element{position: position, length: length}
	}

	err := f.commit(header{
		fileLength: f.fileLength,
		count:      f.count - int64(n),
		first:      first.position,
		last:       f.last.position,
	}, func() {
		f.count -= int64(n)
		f.first = first
	})
	if err != nil {
		return err
	}
	if err := f.ringErase(eraseStart, eraseTotal); err != nil {
		return fmt.Errorf("%w: %d records removed but not zeroed: %w", ErrNotDurable, n, err)
	}
	return nil
}

// Clear discards every record and shrinks the file to InitialLength.
func (f *File) Clear() error {
	if f.closed {
		return ErrClosed
	}
	err := f.commit(header{fileLength: InitialLength}, func() {
		f.fileLength = InitialLength
		f.count = 0
		f.first = element{}
		f.last = element{}
	})
	if err != nil {
		return err
	}
	if err := f.zero(HeaderLength, InitialLength-HeaderLength); err != nil {
		return fmt.Errorf("queuefile: zeroing cleared file: %w", err)
	}
	if err := f.store.Truncate(InitialLength); err != nil {
		return fmt.Errorf("queuefile: truncating cleared file: %w", err)
	}
	if err := f.store.Sync(); err != nil {
		return fmt.Errorf("queuefile: syncing cleared file: %w", err)
	}
	return nil
}

// Close releases the file. Closing twice is a no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.store.Close()
}

// expandIfNecessary grows the file until it has at least needed free
// bytes. If the ring is wrapped, the wrapped tail [HeaderLength,
// endOfLast) is copied to the old end of the file so the elements are
// contiguous in the enlarged ring.
func (f *File) expandIfNecessary(needed int64) error {
	remaining := f.remainingBytes()
	if remaining >= needed {
		return nil
	}

	oldLength := f.fileLength
	newLength := oldLength
	for remaining < needed {
		remaining += newLength
		newLength <<= 1
		if newLength > MaxFileLength {
			return fmt.Errorf("%w: need %d more bytes at length %d", ErrCapacityExceeded, needed, oldLength)
		}
	}

	if err := f.store.Truncate(newLength); err != nil {
		return fmt.Errorf("queuefile: growing file to %d: %w", newLength, err)
	}

	var moved int64
	if f.count > 0 {
		endOfLast := f.wrap(f.last.end())
		if endOfLast <= f.first.position {
			moved = endOfLast - HeaderLength
			if moved > 0 {
				segment := make([]byte, moved)
				if _, err := f.store.ReadAt(segment, HeaderLength); err != nil {
					return fmt.Errorf("queuefile: reading wrapped segment: %w", err)
				}
				if _, err := f.store.WriteAt(segment, oldLength); err != nil {
					return fmt.Errorf("queuefile: relocating wrapped segment: %w", err)
				}
			}
		}
	}
	if err := f.store.Sync(); err != nil {
		return fmt.Errorf("queuefile: syncing expanded file: %w", err)
	}

	last := f.last
	if f.count > 0 && last.position < f.first.position {
		last.position = oldLength + last.position - HeaderLength
	}
	err := f.commit(header{
		fileLength: newLength,
		count:      f.count,
		first:      f.first.position,
		last:       last.position,
	}, func() {
		f.fileLength = newLength
		f.last = last
	})
	if err != nil {
		return err
	}
	if moved > 0 {
		if err := f.zero(HeaderLength, moved); err != nil {
			return fmt.Errorf("queuefile: zeroing relocated segment: %w", err)
		}
	}
	return nil
}

// commit writes h as the new header. The in-memory state is updated
// through apply once the header bytes are written, matching what a
// reader of the file would now see, and then the header is synced.
//
// A failed header write changes nothing. A failed sync after a
// successful write returns an error matching ErrNotDurable: the change
// is in effect and is not rolled back.
func (f *File) commit(h header, apply func()) error {
	buffer := make([]byte, HeaderLength)
	encodeHeader(buffer, h)
	if _, err := f.store.WriteAt(buffer, 0); err != nil {
		return fmt.Errorf("queuefile: writing header: %w", err)
	}
	apply()
	if err := f.store.Sync(); err != nil {
		return fmt.Errorf("%w: syncing header: %w", ErrNotDurable, err)
	}
	return nil
}

// wrap maps an offset that may run past the ring's end back into
// [HeaderLength, fileLength).
func (f *File) wrap(position int64) int64 {
	if position < f.fileLength {
		return position
	}
	return HeaderLength + position - f.fileLength
}

func (f *File) validLength(length int64) bool {
	return length > 0 && ElementHeaderLength+length <= f.fileLength-HeaderLength
}

func (f *File) corruptElement(position, length int64) error {
	actual, _ := f.store.Size()
	return &CorruptionError{
		Path:         f.path,
		Reason:       fmt.Sprintf("element at %d has invalid length %d", position, length),
		FileLength:   f.fileLength,
		Count:        f.count,
		First:        f.first.position,
		Last:         f.last.position,
		ActualLength: actual,
	}
}

func (f *File) readLength(position int64) (int64, error) {
	var buffer [ElementHeaderLength]byte
	if err := f.ringRead(position, buffer[:]); err != nil {
		return 0, fmt.Errorf("queuefile: reading element header at %d: %w", position, err)
	}
	return int64(binary.BigEndian.Uint32(buffer[:])), nil
}

// ringWrite writes buffer starting at position, continuing at
// HeaderLength if it reaches the end of the ring.
func (f *File) ringWrite(position int64, buffer []byte) error {
	position = f.wrap(position)
	head := min(int64(len(buffer)), f.fileLength-position)
	if _, err := f.store.WriteAt(buffer[:head], position); err != nil {
		return err
	}
	if head < int64(len(buffer)) {
		if _, err := f.store.WriteAt(buffer[head:], HeaderLength); err != nil {
			return err
		}
	}
	return nil
}

// ringRead fills buffer from position, wrapping like ringWrite.
func (f *File) ringRead(position int64, buffer []byte) error {
	position = f.wrap(position)
	head := min(int64(len(buffer)), f.fileLength-position)
	if _, err := f.store.ReadAt(buffer[:head], position); err != nil {
		return err
	}
	if head < int64(len(buffer)) {
		if _, err := f.store.ReadAt(buffer[head:], HeaderLength); err != nil {
			return err
		}
	}
	return nil
}

var zeroes [InitialLength]byte

// ringErase zeroes length bytes of the ring starting at position.
func (f *File) ringErase(position, length int64) error {
	for length > 0 {
		chunk := min(length, int64(len(zeroes)))
		if err := f.ringWrite(position, zeroes[:chunk]); err != nil {
			return err
		}
		position = f.wrap(position + chunk)
		length -= chunk
	}
	return nil
}

// zero writes length zero bytes at offset without ring wrapping.
func (f *File) zero(offset, length int64) error {
	for length > 0 {
		chunk := min(length, int64(len(zeroes)))
		if _, err := f.store.WriteAt(zeroes[:chunk], offset); err != nil {
			return err
		}
		offset += chunk
		length -= chunk
	}
	return nil
}

// ringReader streams one record's payload.
type ringReader struct {
	file      *File
	position  int64
	remaining int64
}

func (r *ringReader) Read(buffer []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	n := min(int64(len(buffer)), r.remaining)
	if err := r.file.ringRead(r.position, buffer[:n]); err != nil {
		return 0, err
	}
	r.position = r.file.wrap(r.position + n)
	r.remaining -= n
	return int(n), nil
}
