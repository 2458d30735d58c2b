// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/eventpipe/lib/codec"
)

// cacheVersion is bumped when cacheRecord changes incompatibly. Records
// of another version are treated as absent.
const cacheVersion = 1

// cacheRecord is the CBOR form of the settings cache file.
type cacheRecord struct {
	Version int `cbor:"version"`

	// FetchedAt is Unix milliseconds.
	FetchedAt int64 `cbor:"fetched_at"`

	Document []byte `cbor:"document"`
}

// errCacheMissing is returned by readCache when there is no usable
// cache file.
var errCacheMissing = errors.New("settings: no cached document")

// writeCache atomically replaces the cache file: the record goes to a
// temporary file in the same directory, which is synced and renamed
// into place. Readers never see a partial write.
func writeCache(path string, document []byte, fetchedAt time.Time) error {
	data, err := codec.Marshal(cacheRecord{
		Version:   cacheVersion,
		FetchedAt: fetchedAt.UnixMilli(),
		Document:  document,
	})
	if err != nil {
		return fmt.Errorf("settings: encoding cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("settings: creating cache directory: %w", err)
	}
	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("settings: creating temporary cache file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("settings: writing temporary cache file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("settings: syncing temporary cache file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("settings: closing temporary cache file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("settings: renaming cache file into place: %w", err)
	}

	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// readCache returns the cached document and its fetch time. A missing
// file or a record of another version wraps errCacheMissing.
func readCache(path string) ([]byte, time.Time, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, time.Time{}, errCacheMissing
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("settings: reading cache: %w", err)
	}
	var record cacheRecord
	if err := codec.Unmarshal(data, &record); err != nil {
		return nil, time.Time{}, fmt.Errorf("settings: decoding cache %s: %w", path, err)
	}
	if record.Version != cacheVersion {
		return nil, time.Time{}, fmt.Errorf("%w: version %d", errCacheMissing, record.Version)
	}
	return record.Document, time.UnixMilli(record.FetchedAt).UTC(), nil
}
