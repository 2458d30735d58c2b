// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package collector is the HTTP client for the remote event collector:
// batch uploads to the import endpoint and project settings from the
// CDN.
//
// Uploads are gzip-compressed and authenticated with HTTP Basic auth,
// the write key as the username and an empty password. Transport
// failures feed a circuit breaker; while it is open, uploads fail fast
// and Connected reports false, so the delivery engine stops building
// batches it cannot send. HTTP error responses mean the collector is
// reachable and do not count against the breaker.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"

	"github.com/bureau-foundation/eventpipe/lib/version"
)

const (
	// DefaultAPIHost receives batch uploads.
	DefaultAPIHost = "https://api.segment.io"

	// DefaultCDNHost serves project settings.
	DefaultCDNHost = "https://cdn-settings.segment.com"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 64 << 10

	// maxSettingsBody bounds a settings response.
	maxSettingsBody = 4 << 20
)

// Config holds configuration for a Client.
type Config struct {
	// WriteKey identifies the project. Required.
	WriteKey string

	// APIHost is the upload base URL. Defaults to DefaultAPIHost.
	APIHost string

	// CDNHost is the settings base URL. Defaults to DefaultCDNHost.
	CDNHost string

	// HTTPClient performs requests. Defaults to a client with a 30
	// second timeout.
	HTTPClient *http.Client

	// Signer, when set, adds SignatureHeader to uploads.
	Signer *Signer

	// FailureThreshold is the number of consecutive transport failures
	// that opens the circuit. Defaults to 5.
	FailureThreshold uint32

	// OpenTimeout is how long the circuit stays open before a single
	// probe request is let through. Defaults to 60 seconds.
	OpenTimeout time.Duration

	// Logger is required.
	Logger *slog.Logger
}

// Client talks to the collector. It is safe for concurrent use.
type Client struct {
	writeKey   string
	apiHost    string
	cdnHost    string
	httpClient *http.Client
	signer     *Signer
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config Config) (*Client, error) {
	if config.WriteKey == "" {
		return nil, errors.New("collector: WriteKey is required")
	}
	if config.Logger == nil {
		return nil, errors.New("collector: Logger is required")
	}
	apiHost, err := baseURL(config.APIHost, DefaultAPIHost)
	if err != nil {
		return nil, err
	}
	cdnHost, err := baseURL(config.CDNHost, DefaultCDNHost)
	if err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := config.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 60 * time.Second
	}

	client := &Client{
		writeKey:   config.WriteKey,
		apiHost:    apiHost,
		cdnHost:    cdnHost,
		httpClient: httpClient,
		signer:     config.Signer,
		logger:     config.Logger,
	}
	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "collector",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var httpError *HTTPError
			return err == nil || errors.As(err, &httpError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			client.logger.Warn("collector circuit state changed",
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return client, nil
}

func baseURL(configured, fallback string) (string, error) {
	if configured == "" {
		configured = fallback
	}
	parsed, err := url.Parse(configured)
	if err != nil {
		return "", fmt.Errorf("collector: parsing host %q: %w", configured, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", fmt.Errorf("collector: host %q must be an http or https URL", configured)
	}
	return strings.TrimRight(configured, "/"), nil
}

// Connected reports false while the circuit is open.
func (c *Client) Connected(context.Context) bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// Upload sends one batch. write produces the uncompressed JSON body;
// Upload compresses it and posts it to the import endpoint. A non-2xx
// response is returned as *HTTPError; any other error is a transport
// failure.
func (c *Client) Upload(ctx context.Context, write func(io.Writer) error) error {
	var body bytes.Buffer
	compressor := gzip.NewWriter(&body)
	if err := write(compressor); err != nil {
		return fmt.Errorf("collector: writing batch: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("collector: compressing batch: %w", err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, body.Bytes())
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (c *Client) post(ctx context.Context, compressed []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiHost+"/v1/import", bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("collector: building upload request: %w", err)
	}
	request.SetBasicAuth(c.writeKey, "")
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Content-Encoding", "gzip")
	request.Header.Set("User-Agent", version.UserAgent())
	if c.signer != nil {
		request.Header.Set(SignatureHeader, c.signer.Sign(compressed))
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("collector: upload: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return readHTTPError(response)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxErrorBody))
	return nil
}

// FetchSettings returns the raw JSON settings document for the
// project.
func (c *Client) FetchSettings(ctx context.Context) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/projects/%s/settings", c.cdnHost, url.PathEscape(c.writeKey))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("collector: building settings request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", version.UserAgent())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("collector: fetching settings: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, readHTTPError(response)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxSettingsBody+1))
	if err != nil {
		return nil, fmt.Errorf("collector: reading settings: %w", err)
	}
	if len(body) > maxSettingsBody {
		return nil, fmt.Errorf("collector: settings document exceeds %d bytes", maxSettingsBody)
	}
	return body, nil
}

func readHTTPError(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	httpError := &HTTPError{StatusCode: response.StatusCode, Body: string(body)}
	var structured struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &structured) == nil {
		httpError.Message = structured.Message
	}
	return httpError
}
