// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// storage is the byte-addressable backing of a File. The production
// implementation is an *os.File; tests substitute an in-memory buffer
// with fault injection.
type storage interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Size() (int64, error)
	Close() error
}

// osStorage is a locked, open queue file.
type osStorage struct {
	file *os.File
}

// openOSStorage opens path read-write and takes an exclusive,
// non-blocking flock. A second open of the same file, from this
// process or another, fails with ErrLocked until the first closes.
func openOSStorage(path string) (*osStorage, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("queuefile: opening %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("queuefile: locking %s: %w", path, err)
	}
	return &osStorage{file: file}, nil
}

func (s *osStorage) ReadAt(buffer []byte, offset int64) (int, error) {
	return s.file.ReadAt(buffer, offset)
}

func (s *osStorage) WriteAt(buffer []byte, offset int64) (int, error) {
	return s.file.WriteAt(buffer, offset)
}

func (s *osStorage) Truncate(size int64) error {
	return s.file.Truncate(size)
}

// Sync flushes file data to stable storage. fdatasync skips the
// metadata-only inode update that fsync would force; size changes from
// Truncate still reach disk because they affect data retrieval.
func (s *osStorage) Sync() error {
	for {
		err := unix.Fdatasync(int(s.file.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}

func (s *osStorage) Size() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *osStorage) Close() error {
	// Closing the descriptor releases the flock.
	return s.file.Close()
}

// initialize creates a new queue file at path containing an empty
// header and InitialLength bytes. The file is written to a temporary
// sibling, synced, and renamed into place so a crash never leaves a
// partially initialized file at path.
func initialize(path string) error {
	directory := filepath.Dir(path)
	temporary, err := os.CreateTemp(directory, "."+filepath.Base(path)+".init-*")
	if err != nil {
		return fmt.Errorf("queuefile: creating temporary file in %s: %w", directory, err)
	}
	temporaryPath := temporary.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			temporary.Close()
			os.Remove(temporaryPath)
		}
	}()

	contents := make([]byte, InitialLength)
	encodeHeader(contents, header{fileLength: InitialLength})
	if _, err := temporary.Write(contents); err != nil {
		return fmt.Errorf("queuefile: writing %s: %w", temporaryPath, err)
	}
	if err := temporary.Sync(); err != nil {
		return fmt.Errorf("queuefile: syncing %s: %w", temporaryPath, err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("queuefile: closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("queuefile: renaming %s to %s: %w", temporaryPath, path, err)
	}
	succeeded = true

	// The rename is only durable once the directory entry is.
	parent, err := os.Open(directory)
	if err != nil {
		return fmt.Errorf("queuefile: opening directory %s: %w", directory, err)
	}
	defer parent.Close()
	if err := parent.Sync(); err != nil {
		return fmt.Errorf("queuefile: syncing directory %s: %w", directory, err)
	}
	return nil
}
