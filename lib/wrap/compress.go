// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wrap

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressed record framing: one tag byte, then for LZ4 the
// uncompressed length as a uvarint, then the body. Records that do not
// shrink are stored raw so compression never grows a record by more
// than the tag byte.
const (
	tagRaw  byte = 0
	tagLZ4  byte = 1
	tagZstd byte = 2
)

// maxDecompressed bounds the length an LZ4 frame may claim, keeping a
// damaged record from forcing a huge allocation.
const maxDecompressed = 1 << 24

// LZ4 compresses records with block-mode LZ4. Fast enough to run on
// every enqueue.
type LZ4 struct{}

func (LZ4) Wrap(record []byte) ([]byte, error) {
	destination := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(record)))
	destination[0] = tagLZ4
	offset := 1 + binary.PutUvarint(destination[1:], uint64(len(record)))

	written, err := lz4.CompressBlock(record, destination[offset:], nil)
	if err != nil {
		return nil, fmt.Errorf("wrap: lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || offset+written >= 1+len(record) {
		return raw(record), nil
	}
	return destination[:offset+written], nil
}

func (LZ4) Unwrap(stored []byte) ([]byte, error) {
	body, tag, err := splitTag(stored)
	if err != nil || tag == tagRaw {
		return body, err
	}
	if tag != tagLZ4 {
		return nil, fmt.Errorf("%w: compression tag %d is not lz4", ErrMalformed, tag)
	}
	size, read := binary.Uvarint(body)
	if read <= 0 || size > maxDecompressed {
		return nil, fmt.Errorf("%w: bad lz4 length prefix", ErrMalformed)
	}
	destination := make([]byte, size)
	written, err := lz4.UncompressBlock(body[read:], destination)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decompress: %v", ErrMalformed, err)
	}
	if uint64(written) != size {
		return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", ErrMalformed, written, size)
	}
	return destination, nil
}

// Zstd compresses records with zstd at the default level. It trades
// CPU for a better ratio than LZ4 on larger event payloads.
type Zstd struct{}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wrap: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressed))
	if err != nil {
		panic("wrap: zstd decoder initialization failed: " + err.Error())
	}
}

func (Zstd) Wrap(record []byte) ([]byte, error) {
	destination := append(make([]byte, 0, len(record)/2+1), tagZstd)
	destination = zstdEncoder.EncodeAll(record, destination)
	if len(destination) >= 1+len(record) {
		return raw(record), nil
	}
	return destination, nil
}

func (Zstd) Unwrap(stored []byte) ([]byte, error) {
	body, tag, err := splitTag(stored)
	if err != nil || tag == tagRaw {
		return body, err
	}
	if tag != tagZstd {
		return nil, fmt.Errorf("%w: compression tag %d is not zstd", ErrMalformed, tag)
	}
	decoded, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", ErrMalformed, err)
	}
	return decoded, nil
}

func raw(record []byte) []byte {
	return append([]byte{tagRaw}, record...)
}

func splitTag(stored []byte) ([]byte, byte, error) {
	if len(stored) == 0 {
		return nil, 0, fmt.Errorf("%w: empty compressed record", ErrMalformed)
	}
	return stored[1:], stored[0], nil
}
