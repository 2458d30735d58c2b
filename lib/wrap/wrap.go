// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wrap transforms serialized records on their way into the
// queue file and back out. The queue stores whatever Wrap returns; the
// delivery engine calls Unwrap on each record before adding it to an
// upload batch. Wrappers compose with Chain.
package wrap

import "errors"

// Wrapper is a reversible record transform.
type Wrapper interface {
	Wrap(record []byte) ([]byte, error)
	Unwrap(stored []byte) ([]byte, error)
}

// ErrMalformed is returned by Unwrap for input that the wrapper could
// not have produced.
var ErrMalformed = errors.New("wrap: malformed record")

// None stores records unchanged.
type None struct{}

func (None) Wrap(record []byte) ([]byte, error)   { return record, nil }
func (None) Unwrap(stored []byte) ([]byte, error) { return stored, nil }

// Chain applies wrappers in order on Wrap and in reverse on Unwrap, so
// Chain{compressor, cipher} compresses before encrypting.
type Chain []Wrapper

func (c Chain) Wrap(record []byte) ([]byte, error) {
	var err error
	for _, wrapper := range c {
		if record, err = wrapper.Wrap(record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func (c Chain) Unwrap(stored []byte) ([]byte, error) {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		if stored, err = c[i].Unwrap(stored); err != nil {
			return nil, err
		}
	}
	return stored, nil
}
