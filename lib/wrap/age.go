// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wrap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Age encrypts records to age X25519 recipients. A process that only
// enqueues needs recipients; the process that flushes also needs a
// matching identity. Unwrap without identities fails.
type Age struct {
	recipients []age.Recipient
	identities []age.Identity
}

// NewAge parses recipients ("age1...") and identities
// ("AGE-SECRET-KEY-1..."). At least one recipient is required.
func NewAge(recipients []string, identities []string) (*Age, error) {
	if len(recipients) == 0 {
		return nil, errors.New("wrap: age requires at least one recipient")
	}
	wrapper := &Age{}
	for _, encoded := range recipients {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("wrap: parsing age recipient: %w", err)
		}
		wrapper.recipients = append(wrapper.recipients, recipient)
	}
	for _, encoded := range identities {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("wrap: parsing age identity: %w", err)
		}
		wrapper.identities = append(wrapper.identities, identity)
	}
	return wrapper, nil
}

// ParseAgeIdentities reads an age identity file: one key per line,
// blank lines and "#" comments ignored.
func ParseAgeIdentities(reader io.Reader) ([]string, error) {
	identities, err := age.ParseIdentities(reader)
	if err != nil {
		return nil, fmt.Errorf("wrap: parsing age identity file: %w", err)
	}
	var encoded []string
	for _, identity := range identities {
		x25519, ok := identity.(*age.X25519Identity)
		if !ok {
			return nil, fmt.Errorf("wrap: unsupported age identity type %T", identity)
		}
		encoded = append(encoded, x25519.String())
	}
	return encoded, nil
}

func (a *Age) Wrap(record []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := age.Encrypt(&buffer, a.recipients...)
	if err != nil {
		return nil, fmt.Errorf("wrap: age encrypt: %w", err)
	}
	if _, err := writer.Write(record); err != nil {
		return nil, fmt.Errorf("wrap: age encrypt: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("wrap: age encrypt: %w", err)
	}
	return buffer.Bytes(), nil
}

func (a *Age) Unwrap(stored []byte) ([]byte, error) {
	if len(a.identities) == 0 {
		return nil, errors.New("wrap: age decrypt: no identities configured")
	}
	reader, err := age.Decrypt(bytes.NewReader(stored), a.identities...)
	if err != nil {
		return nil, fmt.Errorf("%w: age decrypt: %v", ErrUnsealFailed, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: age decrypt: %v", ErrUnsealFailed, err)
	}
	return plaintext, nil
}
