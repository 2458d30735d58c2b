// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrDuplicateClient is returned by Register for a name in use.
	ErrDuplicateClient = errors.New("analytics: client name already registered")

	// ErrUnknownClient is returned by Get for an unregistered name.
	ErrUnknownClient = errors.New("analytics: no client registered under that name")
)

// Registry holds named clients. The caller creates and owns it; there
// is no default instance.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register stores client under name.
func (r *Registry) Register(name string, client *Client) error {
	if client == nil {
		return errors.New("analytics: cannot register a nil client")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateClient, name)
	}
	r.clients[name] = client
	return nil
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, name)
	}
	return client, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Shutdown shuts down every client concurrently and empties the
// registry. Errors are joined, each prefixed with its client's name.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
