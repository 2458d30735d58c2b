// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wrap

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealed record layout:
//
//	[0]      format version (sealVersion)
//	[1..24]  random XChaCha20 nonce
//	[25..]   ciphertext followed by the 16-byte Poly1305 tag
const sealVersion byte = 0x01

// SealOverhead is the number of bytes Seal adds to each record.
const SealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// MinMasterKeyLength is the shortest master key NewSeal accepts.
const MinMasterKeyLength = 32

var (
	sealKeyInfo = []byte("eventpipe.queue.record.v1")
	sealAAD     = []byte("eventpipe.record")
)

// ErrUnsealFailed is returned when a record does not authenticate
// under the configured key.
var ErrUnsealFailed = errors.New("wrap: record authentication failed")

// Seal encrypts records at rest with XChaCha20-Poly1305. The cipher
// key is derived from a master key with HKDF-SHA256, so the same master
// key can serve other purposes under different info strings.
type Seal struct {
	aead cipher.AEAD
}

// NewSeal derives the record key from masterKey.
func NewSeal(masterKey []byte) (*Seal, error) {
	if len(masterKey) < MinMasterKeyLength {
		return nil, fmt.Errorf("wrap: master key is %d bytes, need at least %d", len(masterKey), MinMasterKeyLength)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, sealKeyInfo), key); err != nil {
		return nil, fmt.Errorf("wrap: deriving record key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	clear(key)
	if err != nil {
		return nil, fmt.Errorf("wrap: creating cipher: %w", err)
	}
	return &Seal{aead: aead}, nil
}

func (s *Seal) Wrap(record []byte) ([]byte, error) {
	output := make([]byte, 1+chacha20poly1305.NonceSizeX, SealOverhead+len(record))
	output[0] = sealVersion
	nonce := output[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("wrap: generating nonce: %w", err)
	}
	return s.aead.Seal(output, nonce, record, sealAAD), nil
}

func (s *Seal) Unwrap(stored []byte) ([]byte, error) {
	if len(stored) < SealOverhead {
		return nil, fmt.Errorf("%w: sealed record is %d bytes, shorter than the %d byte overhead", ErrMalformed, len(stored), SealOverhead)
	}
	if stored[0] != sealVersion {
		return nil, fmt.Errorf("%w: unknown sealed record version %#x", ErrMalformed, stored[0])
	}
	nonce := stored[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := s.aead.Open(nil, nonce, stored[1+chacha20poly1305.NonceSizeX:], sealAAD)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}
