// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/zeebo/blake3"
)

// SignatureHeader carries the request body signature.
const SignatureHeader = "X-Eventpipe-Signature"

const (
	signatureVersion = "v1="
	signingContext   = "eventpipe 2026-01-01 collector request signing v1"
)

// Signer computes a BLAKE3 keyed MAC over request bodies, letting a
// collector that shares the secret reject forged batches.
type Signer struct {
	key [32]byte
}

// NewSigner derives the MAC key from secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("collector: signing secret is empty")
	}
	signer := &Signer{}
	blake3.DeriveKey(signingContext, secret, signer.key[:])
	return signer, nil
}

// Sign returns the header value for body.
func (s *Signer) Sign(body []byte) string {
	hasher, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic("collector: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(body)
	return signatureVersion + hex.EncodeToString(hasher.Sum(nil))
}

// Verify reports whether signature is valid for body.
func (s *Signer) Verify(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signatureVersion) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.Sign(body)), []byte(signature)) == 1
}
