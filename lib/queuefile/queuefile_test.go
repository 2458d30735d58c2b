// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// record returns a deterministic payload of exactly size bytes whose
// contents identify index.
func record(index, size int) []byte {
	data := bytes.Repeat([]byte{byte('a' + index%26)}, size)
	copy(data, fmt.Sprintf("%d:", index))
	return data
}

func openMem(t *testing.T, store storage) *File {
	t.Helper()
	file, err := openStorage("mem", store)
	if err != nil {
		t.Fatalf("openStorage: %v", err)
	}
	return file
}

func openPath(t *testing.T, path string) *File {
	t.Helper()
	file, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return file
}

func mustAdd(t *testing.T, file *File, data []byte) {
	t.Helper()
	if err := file.Add(data); err != nil {
		t.Fatalf("Add(%d bytes): %v", len(data), err)
	}
}

func contents(t *testing.T, file *File) [][]byte {
	t.Helper()
	var records [][]byte
	err := file.ForEach(func(reader io.Reader, length int) (bool, error) {
		data, err := io.ReadAll(reader)
		if err != nil {
			return false, err
		}
		if len(data) != length {
			t.Fatalf("visitor read %d bytes, declared length %d", len(data), length)
		}
		records = append(records, data)
		return true, nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	return records
}

func requireContents(t *testing.T, file *File, want [][]byte) {
	t.Helper()
	got := contents(t, file)
	if len(got) != len(want) {
		t.Fatalf("file holds %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("record %d = %q, want %q", i, truncate(got[i]), truncate(want[i]))
		}
	}
	if file.Size() != len(want) {
		t.Fatalf("Size = %d, want %d", file.Size(), len(want))
	}
}

func truncate(data []byte) string {
	if len(data) > 24 {
		return string(data[:24]) + "..."
	}
	return string(data)
}

func equalRecords(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// fillWrapped leaves file holding records whose ring wraps around the
// end of the initial 4096-byte file, with several whole elements in the
// wrapped segment. It returns the expected contents.
func fillWrapped(t *testing.T, file *File) [][]byte {
	t.Helper()
	var model [][]byte
	for i := range 10 {
		model = append(model, record(i, 300))
		mustAdd(t, file, model[len(model)-1])
	}
	if err := file.Remove(8); err != nil {
		t.Fatalf("Remove(8): %v", err)
	}
	model = model[8:]
	for i := 10; file.remainingBytes() >= ElementHeaderLength+300; i++ {
		model = append(model, record(i, 300))
		mustAdd(t, file, model[len(model)-1])
	}
	if file.FileLength() != InitialLength {
		t.Fatalf("FileLength = %d while filling, want %d", file.FileLength(), InitialLength)
	}
	if file.last.position >= file.first.position {
		t.Fatalf("ring did not wrap: first=%d last=%d", file.first.position, file.last.position)
	}
	if wrapped := file.wrap(file.last.end()) - HeaderLength; wrapped < 2*(ElementHeaderLength+300) {
		t.Fatalf("wrapped segment is %d bytes, want several elements", wrapped)
	}
	return model
}

func TestOpenCreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.tape")
	file := openPath(t, path)
	defer file.Close()

	if file.Size() != 0 {
		t.Fatalf("Size = %d, want 0", file.Size())
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != InitialLength {
		t.Fatalf("new file is %d bytes, want %d", info.Size(), InitialLength)
	}
	data, err := file.Peek()
	if err != nil || data != nil {
		t.Fatalf("Peek on empty file = %q, %v; want nil, nil", data, err)
	}
}

func TestPeekAfterRemove(t *testing.T) {
	const count = 12
	for k := range count {
		t.Run(fmt.Sprintf("remove %d", k), func(t *testing.T) {
			file := openMem(t, newMemStorage(t))
			var model [][]byte
			for i := range count {
				model = append(model, record(i, 40+i*13))
				mustAdd(t, file, model[i])
			}
			if err := file.Remove(k); err != nil {
				t.Fatalf("Remove(%d): %v", k, err)
			}
			data, err := file.Peek()
			if err != nil {
				t.Fatalf("Peek: %v", err)
			}
			if !bytes.Equal(data, model[k]) {
				t.Fatalf("Peek after Remove(%d) = %q, want %q", k, truncate(data), truncate(model[k]))
			}
			requireContents(t, file, model[k:])
		})
	}
}

func TestReopenPreservesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.tape")
	file := openPath(t, path)
	var model [][]byte
	for i := range 40 {
		model = append(model, record(i, 50+i*17))
		mustAdd(t, file, model[i])
	}
	if err := file.Remove(15); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	model = model[15:]
	if err := file.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openPath(t, path)
	defer reopened.Close()
	requireContents(t, reopened, model)
}

func TestExpansionRelocatesWrappedElements(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.tape")
	file := openPath(t, path)
	model := fillWrapped(t, file)

	big := record(99, 2000)
	mustAdd(t, file, big)
	model = append(model, big)

	if file.FileLength() != 2*InitialLength {
		t.Fatalf("FileLength = %d after expansion, want %d", file.FileLength(), 2*InitialLength)
	}
	if file.last.position < file.first.position {
		t.Fatalf("ring still wrapped after expansion: first=%d last=%d", file.first.position, file.last.position)
	}
	requireContents(t, file, model)

	if err := file.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened := openPath(t, path)
	defer reopened.Close()
	requireContents(t, reopened, model)

	// Keep cycling through the expanded ring.
	for i := 100; i < 130; i++ {
		if err := reopened.Remove(1); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		model = model[1:]
		model = append(model, record(i, 211))
		mustAdd(t, reopened, model[len(model)-1])
	}
	requireContents(t, reopened, model)
}

func TestManyRecordsWithReopenCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.tape")
	file := openPath(t, path)
	defer func() { file.Close() }()

	var model [][]byte
	for i := range 254 {
		model = append(model, record(i, 1+(i*37)%701))
		mustAdd(t, file, model[len(model)-1])

		if i%7 == 6 {
			n := (i / 7) % 4
			if err := file.Remove(n); err != nil {
				t.Fatalf("Remove(%d): %v", n, err)
			}
			model = model[n:]
		}
		if i%50 == 49 {
			if err := file.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			file = openPath(t, path)
			requireContents(t, file, model)
		}
	}
	requireContents(t, file, model)

	for len(model) > 0 {
		data, err := file.Peek()
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if !bytes.Equal(data, model[0]) {
			t.Fatalf("Peek = %q, want %q", truncate(data), truncate(model[0]))
		}
		if err := file.Remove(1); err != nil {
			t.Fatalf("Remove(1): %v", err)
		}
		model = model[1:]
	}
	if file.FileLength() != InitialLength {
		t.Fatalf("FileLength = %d after draining, want %d", file.FileLength(), InitialLength)
	}
}

func TestRemoveBoundaries(t *testing.T) {
	file := openMem(t, newMemStorage(t))
	var model [][]byte
	for i := range 5 {
		model = append(model, record(i, 64))
		mustAdd(t, file, model[i])
	}
	before := file.Header()

	if err := file.Remove(-1); !errors.Is(err, ErrNegativeCount) {
		t.Fatalf("Remove(-1) = %v, want ErrNegativeCount", err)
	}
	if err := file.Remove(6); !errors.Is(err, ErrRemoveExceedsSize) {
		t.Fatalf("Remove(6) = %v, want ErrRemoveExceedsSize", err)
	}
	if err := file.Remove(0); err != nil {
		t.Fatalf("Remove(0) = %v, want nil", err)
	}
	if after := file.Header(); after != before {
		t.Fatalf("header changed by rejected removes: %+v -> %+v", before, after)
	}
	requireContents(t, file, model)

	if err := file.Remove(5); err != nil {
		t.Fatalf("Remove(all): %v", err)
	}
	if file.Size() != 0 || file.FileLength() != InitialLength {
		t.Fatalf("after removing all: Size=%d FileLength=%d", file.Size(), file.FileLength())
	}
}

func TestClearShrinksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.tape")
	file := openPath(t, path)
	defer file.Close()

	for i := range 30 {
		mustAdd(t, file, record(i, 500))
	}
	if file.FileLength() <= InitialLength {
		t.Fatalf("FileLength = %d, expected growth past %d", file.FileLength(), InitialLength)
	}
	if err := file.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != InitialLength || file.FileLength() != InitialLength || file.Size() != 0 {
		t.Fatalf("after Clear: disk size %d, FileLength %d, Size %d", info.Size(), file.FileLength(), file.Size())
	}

	// The cleared file accepts new records normally.
	mustAdd(t, file, record(1, 10))
	requireContents(t, file, [][]byte{record(1, 10)})
}

func TestAddRejectsEmptyRecord(t *testing.T) {
	file := openMem(t, newMemStorage(t))
	if err := file.Add(nil); !errors.Is(err, ErrEmptyRecord) {
		t.Fatalf("Add(nil) = %v, want ErrEmptyRecord", err)
	}
	if file.Size() != 0 {
		t.Fatalf("Size = %d, want 0", file.Size())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	file := openPath(t, filepath.Join(t.TempDir(), "events.tape"))
	if err := file.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := file.Add([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Add after Close = %v, want ErrClosed", err)
	}
	if _, err := file.Peek(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Peek after Close = %v, want ErrClosed", err)
	}
	if err := file.Remove(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Remove after Close = %v, want ErrClosed", err)
	}
}

func TestOpenLockedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.tape")
	owner := openPath(t, path)

	if _, err := Open(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open = %v, want ErrLocked", err)
	}
	if err := owner.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	again := openPath(t, path)
	again.Close()
}

func TestForEachStopsEarly(t *testing.T) {
	file := openMem(t, newMemStorage(t))
	for i := range 5 {
		mustAdd(t, file, record(i, 20))
	}

	visited := 0
	err := file.ForEach(func(io.Reader, int) (bool, error) {
		visited++
		return visited < 2, nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if visited != 2 {
		t.Fatalf("visited %d records, want 2", visited)
	}

	stop := errors.New("stop")
	err = file.ForEach(func(io.Reader, int) (bool, error) { return true, stop })
	if !errors.Is(err, stop) {
		t.Fatalf("ForEach = %v, want visitor error", err)
	}
}

func TestOpenRejectsCorruptHeaders(t *testing.T) {
	headerFile := func(h header, elementLength uint32) []byte {
		data := make([]byte, InitialLength)
		encodeHeader(data, h)
		if elementLength > 0 || h.count > 0 {
			binary.BigEndian.PutUint32(data[HeaderLength:], elementLength)
		}
		return data
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"shorter than header", make([]byte, 10)},
		{"zero length", headerFile(header{}, 0)},
		{"length beyond file", headerFile(header{fileLength: 2 * InitialLength}, 0)},
		{"first beyond length", headerFile(header{fileLength: InitialLength, count: 1, first: InitialLength, last: HeaderLength}, 8)},
		{"last beyond length", headerFile(header{fileLength: InitialLength, count: 1, first: HeaderLength, last: InitialLength + 4}, 8)},
		{"position inside header", headerFile(header{fileLength: InitialLength, count: 1, first: 4, last: 4}, 8)},
		{"zero element length", headerFile(header{fileLength: InitialLength, count: 1, first: HeaderLength, last: HeaderLength}, 0)},
		{"element longer than ring", headerFile(header{fileLength: InitialLength, count: 1, first: HeaderLength, last: HeaderLength}, InitialLength)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "events.tape")
			if err := os.WriteFile(path, test.data, 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			_, err := Open(path)
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Open = %v, want ErrCorrupt", err)
			}
			var corruption *CorruptionError
			if !errors.As(err, &corruption) {
				t.Fatalf("Open error %T is not a *CorruptionError", err)
			}
			if corruption.Path != path || corruption.ActualLength != int64(len(test.data)) {
				t.Fatalf("CorruptionError path=%q actual=%d, want %q and %d",
					corruption.Path, corruption.ActualLength, path, len(test.data))
			}
			// The file is not repaired.
			after, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if !bytes.Equal(after, test.data) {
				t.Fatal("Open modified a corrupt file")
			}
		})
	}
}

// TestCrashAtEveryWrite fails each mutating storage call of an
// operation in turn and reopens the bytes left behind. The reopened
// file must hold either the state before the operation or the state
// after it, never anything else, and never be corrupt.
func TestCrashAtEveryWrite(t *testing.T) {
	scenarios := []struct {
		name      string
		setup     func(t *testing.T, file *File) [][]byte
		operation func(file *File) error
		after     func(before [][]byte) [][]byte
	}{
		{
			name: "add",
			setup: func(t *testing.T, file *File) [][]byte {
				for i := range 3 {
					mustAdd(t, file, record(i, 100))
				}
				return nil
			},
			operation: func(file *File) error { return file.Add(record(50, 120)) },
			after:     func(before [][]byte) [][]byte { return append(before, record(50, 120)) },
		},
		{
			name:      "add with wrapped expansion",
			setup:     fillWrapped,
			operation: func(file *File) error { return file.Add(record(99, 2000)) },
			after:     func(before [][]byte) [][]byte { return append(before, record(99, 2000)) },
		},
		{
			name: "add that wraps",
			setup: func(t *testing.T, file *File) [][]byte {
				for i := range 12 {
					mustAdd(t, file, record(i, 300))
				}
				if err := file.Remove(6); err != nil {
					t.Fatalf("Remove: %v", err)
				}
				return nil
			},
			operation: func(file *File) error { return file.Add(record(77, 600)) },
			after:     func(before [][]byte) [][]byte { return append(before, record(77, 600)) },
		},
		{
			name: "remove",
			setup: func(t *testing.T, file *File) [][]byte {
				for i := range 6 {
					mustAdd(t, file, record(i, 90))
				}
				return nil
			},
			operation: func(file *File) error { return file.Remove(2) },
			after:     func(before [][]byte) [][]byte { return before[2:] },
		},
		{
			name: "remove all of expanded file",
			setup: func(t *testing.T, file *File) [][]byte {
				for i := range 20 {
					mustAdd(t, file, record(i, 400))
				}
				return nil
			},
			operation: func(file *File) error { return file.Remove(20) },
			after:     func([][]byte) [][]byte { return nil },
		},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			for failAt := 1; ; failAt++ {
				base := newMemStorage(t)
				file := openMem(t, base)
				scenario.setup(t, file)
				before := contents(t, file)
				want := scenario.after(append([][]byte(nil), before...))

				faulty := &faultStorage{memStorage: base, failAt: failAt}
				file.store = faulty
				err := scenario.operation(file)

				reopened, openErr := openStorage("crash", base.snapshot())
				if openErr != nil {
					t.Fatalf("failAt=%d: reopening after crash: %v", failAt, openErr)
				}
				got := contents(t, reopened)

				if faulty.calls < failAt {
					// The operation completed without reaching the fault.
					if err != nil {
						t.Fatalf("operation without fault: %v", err)
					}
					if !equalRecords(got, want) {
						t.Fatalf("completed operation left %d records, want %d", len(got), len(want))
					}
					if failAt == 1 {
						t.Fatal("operation made no storage calls")
					}
					return
				}
				if !errors.Is(err, errInjected) {
					t.Fatalf("failAt=%d: operation error = %v, want injected fault", failAt, err)
				}
				if !equalRecords(got, before) && !equalRecords(got, want) {
					t.Fatalf("failAt=%d: reopened file holds %d records matching neither before (%d) nor after (%d)",
						failAt, len(got), len(before), len(want))
				}
			}
		})
	}
}

// TestHeaderSyncFailureKeepsRecord fails the sync after an Add's header
// write. The record stays in the file and the error says it may not be
// durable.
func TestHeaderSyncFailureKeepsRecord(t *testing.T) {
	base := newMemStorage(t)
	file := openMem(t, base)
	mustAdd(t, file, record(0, 100))

	// Data write, data sync, header write, header sync.
	file.store = &faultStorage{memStorage: base, failAt: 4}
	err := file.Add(record(1, 100))
	if !errors.Is(err, ErrNotDurable) || !errors.Is(err, errInjected) {
		t.Fatalf("Add error = %v, want ErrNotDurable wrapping the injected fault", err)
	}
	if file.Size() != 2 {
		t.Fatalf("Size = %d after unsynced add, want 2", file.Size())
	}

	file.store = base
	want := [][]byte{record(0, 100), record(1, 100)}
	if got := contents(t, file); !equalRecords(got, want) {
		t.Fatalf("file holds %d records, want both", len(got))
	}
	reopened, err := openStorage("unsynced", base.snapshot())
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if got := contents(t, reopened); !equalRecords(got, want) {
		t.Fatalf("reopened file holds %d records, want both", len(got))
	}
}

func TestHeaderWriteFailureAddsNothing(t *testing.T) {
	base := newMemStorage(t)
	file := openMem(t, base)
	mustAdd(t, file, record(0, 100))

	file.store = &faultStorage{memStorage: base, failAt: 3}
	err := file.Add(record(1, 100))
	if err == nil || errors.Is(err, ErrNotDurable) {
		t.Fatalf("Add error = %v, want a plain write failure", err)
	}
	if file.Size() != 1 {
		t.Fatalf("Size = %d after failed header write, want 1", file.Size())
	}
}
