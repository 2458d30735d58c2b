// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx response from the collector.
type HTTPError struct {
	StatusCode int

	// Message is the "message" field of a JSON error body, if any.
	Message string

	// Body is the response body, truncated to maxErrorBody bytes.
	Body string
}

func (err *HTTPError) Error() string {
	if err.Message != "" {
		return fmt.Sprintf("collector: HTTP %d: %s", err.StatusCode, err.Message)
	}
	return fmt.Sprintf("collector: HTTP %d: %s", err.StatusCode, err.Body)
}

// Status returns the HTTP status code. The delivery engine classifies
// upload failures through this method.
func (err *HTTPError) Status() int { return err.StatusCode }

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var httpError *HTTPError
	return errors.As(err, &httpError) && httpError.StatusCode == http.StatusTooManyRequests
}

// ErrCircuitOpen is returned without contacting the collector while
// the circuit breaker is open after repeated transport failures.
var ErrCircuitOpen = errors.New("collector: circuit open after repeated transport failures")
