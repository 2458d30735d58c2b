// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/eventpipe/lib/clock"
	"github.com/bureau-foundation/eventpipe/lib/collector"
	"github.com/bureau-foundation/eventpipe/lib/config"
	"github.com/bureau-foundation/eventpipe/lib/delivery"
	"github.com/bureau-foundation/eventpipe/lib/dispatch"
	"github.com/bureau-foundation/eventpipe/lib/queue"
	"github.com/bureau-foundation/eventpipe/lib/settings"
	"github.com/bureau-foundation/eventpipe/lib/stats"
	"github.com/bureau-foundation/eventpipe/lib/wrap"
)

// Runtime supplies the collaborators a config file cannot describe.
type Runtime struct {
	// Logger is required.
	Logger *slog.Logger

	// Stats receives measurements in addition to the Prometheus sink
	// the config may enable.
	Stats stats.Recorder

	Clock clock.Clock

	// HTTPClient defaults to a client using collector.timeout.
	HTTPClient *http.Client

	// Registerer receives Prometheus metrics when metrics.prometheus is
	// set. Defaults to prometheus.DefaultRegisterer, which accepts the
	// metrics of only one client per process.
	Registerer prometheus.Registerer
}

// FromConfig validates cfg and assembles a Client from it: the
// collector client, queue backend and record wrapper, delivery engine,
// settings store, and local tracking plan.
func FromConfig(ctx context.Context, cfg *config.Config, runtime Runtime) (*Client, error) {
	if runtime.Logger == nil {
		return nil, errors.New("analytics: Logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("analytics: invalid config: %w", err)
	}
	if cfg.Queue.Backend == config.BackendFile {
		if err := cfg.EnsurePaths(); err != nil {
			return nil, fmt.Errorf("analytics: %w", err)
		}
	}

	var plan *dispatch.Plan
	if cfg.Paths.Plan != "" {
		loaded, err := dispatch.LoadPlan(cfg.Paths.Plan)
		if err != nil {
			return nil, fmt.Errorf("analytics: %w", err)
		}
		plan = &loaded
	}

	collectorClient, err := NewCollector(cfg, runtime)
	if err != nil {
		return nil, err
	}
	wrapper, err := BuildWrapper(cfg.Queue.Encryption, cfg.Queue.Compression)
	if err != nil {
		return nil, err
	}

	recorder := runtime.Stats
	if cfg.Metrics.Prometheus {
		registerer := runtime.Registerer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		sink := stats.NewPrometheus(registerer)
		if recorder == nil {
			recorder = sink
		} else {
			recorder = stats.Multi{recorder, sink}
		}
	}

	interval, _ := cfg.Delivery.Interval() // validated above
	if interval == 0 {
		interval = -1
	}

	store, err := queue.Open(queue.Config{Backend: cfg.Queue.Backend, Path: cfg.Paths.Queue})
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	engine, err := delivery.New(delivery.Config{
		Queue:           store,
		Uploader:        collectorClient,
		Connectivity:    collectorClient,
		Wrapper:         wrapper,
		Stats:           recorder,
		Clock:           runtime.Clock,
		Logger:          runtime.Logger,
		MaxQueueSize:    cfg.Queue.MaxSize,
		FlushThreshold:  cfg.Delivery.FlushThreshold,
		FlushInterval:   interval,
		FlushOnShutdown: cfg.Delivery.ShouldFlushOnShutdown(),
		MaxBatchCount:   cfg.Delivery.MaxBatchCount,
		MaxBatchBytes:   cfg.Delivery.MaxBatchBytes,
		MaxRecordBytes:  cfg.Delivery.MaxRecordBytes,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	var settingsStore *settings.Store
	if cfg.Settings.Fetch {
		ttl, _ := cfg.Settings.CacheTTL() // validated above
		settingsStore, err = settings.NewStore(settings.Config{
			Fetcher:   collectorClient,
			CachePath: cfg.Paths.SettingsCache,
			TTL:       ttl,
			Clock:     runtime.Clock,
			Logger:    runtime.Logger,
		})
		if err != nil {
			engine.Shutdown(ctx)
			return nil, err
		}
	}

	client, err := New(ctx, Config{
		Engine:   engine,
		Settings: settingsStore,
		Plan:     plan,
		Stats:    recorder,
		Clock:    runtime.Clock,
		Logger:   runtime.Logger,
	})
	if err != nil {
		engine.Shutdown(ctx)
		return nil, err
	}
	return client, nil
}

// NewCollector builds the collector client described by cfg.
func NewCollector(cfg *config.Config, runtime Runtime) (*collector.Client, error) {
	httpClient := runtime.HTTPClient
	if httpClient == nil {
		timeout, err := cfg.Collector.RequestTimeout()
		if err != nil {
			return nil, fmt.Errorf("analytics: collector.timeout: %w", err)
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	openTimeout, err := cfg.Collector.CircuitOpenTimeout()
	if err != nil {
		return nil, fmt.Errorf("analytics: collector.open_timeout: %w", err)
	}

	var signer *collector.Signer
	if cfg.Collector.SigningSecretFile != "" {
		secret, err := os.ReadFile(cfg.Collector.SigningSecretFile)
		if err != nil {
			return nil, fmt.Errorf("analytics: reading signing secret: %w", err)
		}
		signer, err = collector.NewSigner([]byte(strings.TrimSpace(string(secret))))
		if err != nil {
			return nil, fmt.Errorf("analytics: %w", err)
		}
	}

	return collector.NewClient(collector.Config{
		WriteKey:         cfg.WriteKey,
		APIHost:          cfg.Collector.APIHost,
		CDNHost:          cfg.Collector.CDNHost,
		HTTPClient:       httpClient,
		Signer:           signer,
		FailureThreshold: cfg.Collector.FailureThreshold,
		OpenTimeout:      openTimeout,
		Logger:           runtime.Logger,
	})
}

// BuildWrapper returns the record wrapper for the configured
// compression and encryption. Records are compressed before they are
// encrypted.
func BuildWrapper(encryption config.EncryptionConfig, compression string) (wrap.Wrapper, error) {
	var chain wrap.Chain

	switch compression {
	case "", config.CompressionNone:
	case config.CompressionLZ4:
		chain = append(chain, wrap.LZ4{})
	case config.CompressionZstd:
		chain = append(chain, wrap.Zstd{})
	default:
		return nil, fmt.Errorf("analytics: unknown compression %q", compression)
	}

	switch encryption.Mode {
	case "", config.EncryptionNone:
	case config.EncryptionSeal:
		key, err := os.ReadFile(encryption.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("analytics: reading queue key: %w", err)
		}
		seal, err := wrap.NewSeal(key)
		if err != nil {
			return nil, fmt.Errorf("analytics: %w", err)
		}
		chain = append(chain, seal)
	case config.EncryptionAge:
		file, err := os.Open(encryption.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("analytics: opening age identities: %w", err)
		}
		identities, err := wrap.ParseAgeIdentities(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("analytics: %w", err)
		}
		age, err := wrap.NewAge(encryption.Recipients, identities)
		if err != nil {
			return nil, fmt.Errorf("analytics: %w", err)
		}
		chain = append(chain, age)
	default:
		return nil, fmt.Errorf("analytics: unknown encryption mode %q", encryption.Mode)
	}

	if len(chain) == 0 {
		return wrap.None{}, nil
	}
	return chain, nil
}
