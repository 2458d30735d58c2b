// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Queue backends, compression, and encryption modes accepted in the
// file.
const (
	BackendFile   = "file"
	BackendMemory = "memory"

	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"

	EncryptionNone = "none"
	EncryptionSeal = "seal"
	EncryptionAge  = "age"
)

// Config is the master configuration for an eventpipe client.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// WriteKey identifies the project to the collector.
	WriteKey string `yaml:"write_key"`

	Paths     PathsConfig     `yaml:"paths"`
	Collector CollectorConfig `yaml:"collector"`
	Queue     QueueConfig     `yaml:"queue"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Settings  SettingsConfig  `yaml:"settings"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Collector *CollectorConfig `yaml:"collector,omitempty"`
	Delivery  *DeliveryConfig  `yaml:"delivery,omitempty"`
	Queue     *QueueConfig     `yaml:"queue,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for eventpipe state.
	Root string `yaml:"root"`

	// Queue is the queue file.
	Queue string `yaml:"queue"`

	// SettingsCache is the cached settings document. Empty disables
	// the cache.
	SettingsCache string `yaml:"settings_cache"`

	// Plan is an optional local tracking plan (JSON with comments).
	// When set it takes the place of the plan from remote settings.
	Plan string `yaml:"plan"`
}

// CollectorConfig configures the HTTP client.
type CollectorConfig struct {
	APIHost string `yaml:"api_host"`
	CDNHost string `yaml:"cdn_host"`

	// Timeout bounds one HTTP request. Default: 30s
	Timeout string `yaml:"timeout"`

	// SigningSecretFile holds the request signing secret. Empty
	// disables signing.
	SigningSecretFile string `yaml:"signing_secret_file"`

	// FailureThreshold is the consecutive transport failures that
	// open the circuit. Default: 5
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OpenTimeout is how long the circuit stays open. Default: 60s
	OpenTimeout string `yaml:"open_timeout"`
}

// QueueConfig configures record storage.
type QueueConfig struct {
	// Backend is "file" or "memory". Default: file
	Backend string `yaml:"backend"`

	// MaxSize is the record count at which the oldest record is
	// dropped. Default: 1000
	MaxSize int `yaml:"max_size"`

	// Compression is "none", "lz4", or "zstd". Default: none
	Compression string `yaml:"compression"`

	Encryption EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig configures at-rest encryption of queued records.
type EncryptionConfig struct {
	// Mode is "none", "seal", or "age". Default: none
	Mode string `yaml:"mode"`

	// KeyFile holds the master key for "seal" (at least 32 bytes).
	KeyFile string `yaml:"key_file"`

	// Recipients are age public keys for "age".
	Recipients []string `yaml:"recipients"`

	// IdentityFile holds the age identities that can decrypt queued
	// records. Required for "age".
	IdentityFile string `yaml:"identity_file"`
}

// DeliveryConfig configures batching.
type DeliveryConfig struct {
	// FlushThreshold is the queue size that triggers a flush. Default: 20
	FlushThreshold int `yaml:"flush_threshold"`

	// FlushInterval is the flush timer period; "0s" disables it.
	// Default: 30s
	FlushInterval string `yaml:"flush_interval"`

	// FlushOnShutdown flushes once more while shutting down.
	// Default: true
	FlushOnShutdown *bool `yaml:"flush_on_shutdown,omitempty"`

	MaxBatchCount  int `yaml:"max_batch_count"`
	MaxBatchBytes  int `yaml:"max_batch_bytes"`
	MaxRecordBytes int `yaml:"max_record_bytes"`
}

// SettingsConfig configures remote settings.
type SettingsConfig struct {
	// Fetch enables retrieval of remote settings. When false the
	// built-in defaults are used. Default: true
	Fetch bool `yaml:"fetch"`

	// TTL is how long a cached document is served. Default: 24h
	TTL string `yaml:"ttl"`
}

// MetricsConfig configures the Prometheus sink.
type MetricsConfig struct {
	// Prometheus registers pipeline metrics on the default registry.
	Prometheus bool `yaml:"prometheus"`
}

// Default returns the default configuration. Every field the file may
// omit has its default here; the write key has none.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "eventpipe")
	flushOnShutdown := true

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:          defaultRoot,
			Queue:         filepath.Join(defaultRoot, "events.tape"),
			SettingsCache: filepath.Join(defaultRoot, "settings.cbor"),
		},
		Collector: CollectorConfig{
			APIHost:          "https://api.segment.io",
			CDNHost:          "https://cdn-settings.segment.com",
			Timeout:          "30s",
			FailureThreshold: 5,
			OpenTimeout:      "60s",
		},
		Queue: QueueConfig{
			Backend:     BackendFile,
			MaxSize:     1000,
			Compression: CompressionNone,
			Encryption:  EncryptionConfig{Mode: EncryptionNone},
		},
		Delivery: DeliveryConfig{
			FlushThreshold:  20,
			FlushInterval:   "30s",
			FlushOnShutdown: &flushOnShutdown,
			MaxBatchCount:   100,
			MaxBatchBytes:   475000,
			MaxRecordBytes:  32000,
		},
		Settings: SettingsConfig{
			Fetch: true,
			TTL:   "24h",
		},
	}
}

// Load loads configuration from the EVENTPIPE_CONFIG environment
// variable. There are no fallbacks: if it is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("EVENTPIPE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("EVENTPIPE_CONFIG environment variable not set; " +
			"set it to the path of your eventpipe.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// environment overrides, and expands path variables. It does not
// validate; call Validate.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: durable queue, quicker flushes.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Queue:    &QueueConfig{Backend: BackendFile},
				Delivery: &DeliveryConfig{FlushInterval: "10s"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Collector != nil {
		if overrides.Collector.APIHost != "" {
			c.Collector.APIHost = overrides.Collector.APIHost
		}
		if overrides.Collector.CDNHost != "" {
			c.Collector.CDNHost = overrides.Collector.CDNHost
		}
		if overrides.Collector.Timeout != "" {
			c.Collector.Timeout = overrides.Collector.Timeout
		}
		if overrides.Collector.SigningSecretFile != "" {
			c.Collector.SigningSecretFile = overrides.Collector.SigningSecretFile
		}
		if overrides.Collector.FailureThreshold != 0 {
			c.Collector.FailureThreshold = overrides.Collector.FailureThreshold
		}
		if overrides.Collector.OpenTimeout != "" {
			c.Collector.OpenTimeout = overrides.Collector.OpenTimeout
		}
	}

	if overrides.Queue != nil {
		if overrides.Queue.Backend != "" {
			c.Queue.Backend = overrides.Queue.Backend
		}
		if overrides.Queue.MaxSize != 0 {
			c.Queue.MaxSize = overrides.Queue.MaxSize
		}
		if overrides.Queue.Compression != "" {
			c.Queue.Compression = overrides.Queue.Compression
		}
	}

	if overrides.Delivery != nil {
		if overrides.Delivery.FlushThreshold != 0 {
			c.Delivery.FlushThreshold = overrides.Delivery.FlushThreshold
		}
		if overrides.Delivery.FlushInterval != "" {
			c.Delivery.FlushInterval = overrides.Delivery.FlushInterval
		}
		// FlushOnShutdown is a pointer so an override can set false.
		if overrides.Delivery.FlushOnShutdown != nil {
			c.Delivery.FlushOnShutdown = overrides.Delivery.FlushOnShutdown
		}
		if overrides.Delivery.MaxBatchCount != 0 {
			c.Delivery.MaxBatchCount = overrides.Delivery.MaxBatchCount
		}
		if overrides.Delivery.MaxBatchBytes != 0 {
			c.Delivery.MaxBatchBytes = overrides.Delivery.MaxBatchBytes
		}
		if overrides.Delivery.MaxRecordBytes != 0 {
			c.Delivery.MaxRecordBytes = overrides.Delivery.MaxRecordBytes
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"EVENTPIPE_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["EVENTPIPE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Queue = expandVars(c.Paths.Queue, vars)
	c.Paths.SettingsCache = expandVars(c.Paths.SettingsCache, vars)
	c.Paths.Plan = expandVars(c.Paths.Plan, vars)
	c.Collector.SigningSecretFile = expandVars(c.Collector.SigningSecretFile, vars)
	c.Queue.Encryption.KeyFile = expandVars(c.Queue.Encryption.KeyFile, vars)
	c.Queue.Encryption.IdentityFile = expandVars(c.Queue.Encryption.IdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.WriteKey == "" {
		errs = append(errs, fmt.Errorf("write_key is required"))
	}

	backends := []string{BackendFile, BackendMemory}
	if !slices.Contains(backends, c.Queue.Backend) {
		errs = append(errs, fmt.Errorf("queue.backend must be one of: %v", backends))
	}
	if c.Queue.Backend == BackendFile && c.Paths.Queue == "" {
		errs = append(errs, fmt.Errorf("paths.queue is required for the file backend"))
	}
	if c.Queue.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_size must be positive"))
	}
	compressions := []string{CompressionNone, CompressionLZ4, CompressionZstd}
	if !slices.Contains(compressions, c.Queue.Compression) {
		errs = append(errs, fmt.Errorf("queue.compression must be one of: %v", compressions))
	}

	encryption := c.Queue.Encryption
	switch encryption.Mode {
	case EncryptionNone:
	case EncryptionSeal:
		if encryption.KeyFile == "" {
			errs = append(errs, fmt.Errorf("queue.encryption.key_file is required for mode %q", EncryptionSeal))
		}
	case EncryptionAge:
		if len(encryption.Recipients) == 0 {
			errs = append(errs, fmt.Errorf("queue.encryption.recipients is required for mode %q", EncryptionAge))
		}
		if encryption.IdentityFile == "" {
			errs = append(errs, fmt.Errorf("queue.encryption.identity_file is required for mode %q", EncryptionAge))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.encryption.mode must be one of: %v",
			[]string{EncryptionNone, EncryptionSeal, EncryptionAge}))
	}

	if c.Delivery.FlushThreshold <= 0 {
		errs = append(errs, fmt.Errorf("delivery.flush_threshold must be positive"))
	}
	if c.Delivery.MaxBatchCount <= 0 {
		errs = append(errs, fmt.Errorf("delivery.max_batch_count must be positive"))
	}
	if c.Delivery.MaxRecordBytes <= 0 || c.Delivery.MaxBatchBytes < c.Delivery.MaxRecordBytes {
		errs = append(errs, fmt.Errorf("delivery.max_record_bytes must be positive and no larger than delivery.max_batch_bytes"))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"collector.timeout", c.Collector.Timeout},
		{"collector.open_timeout", c.Collector.OpenTimeout},
		{"delivery.flush_interval", c.Delivery.FlushInterval},
		{"settings.ttl", c.Settings.TTL},
	}
	for _, duration := range durations {
		parsed, err := time.ParseDuration(duration.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", duration.name, err))
			continue
		}
		if parsed < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", duration.name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Interval returns the parsed flush interval. Zero means the
// timer is disabled.
func (d DeliveryConfig) Interval() (time.Duration, error) {
	return time.ParseDuration(d.FlushInterval)
}

// ShouldFlushOnShutdown reports FlushOnShutdown, true when unset.
func (d DeliveryConfig) ShouldFlushOnShutdown() bool {
	return d.FlushOnShutdown == nil || *d.FlushOnShutdown
}

// RequestTimeout returns the parsed collector timeout.
func (c CollectorConfig) RequestTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Timeout)
}

// CircuitOpenTimeout returns the parsed circuit open timeout.
func (c CollectorConfig) CircuitOpenTimeout() (time.Duration, error) {
	return time.ParseDuration(c.OpenTimeout)
}

// CacheTTL returns the parsed settings TTL.
func (s SettingsConfig) CacheTTL() (time.Duration, error) {
	return time.ParseDuration(s.TTL)
}

// EnsurePaths creates the state root and the directories holding the
// queue file and settings cache.
func (c *Config) EnsurePaths() error {
	directories := []string{c.Paths.Root}
	if c.Paths.Queue != "" {
		directories = append(directories, filepath.Dir(c.Paths.Queue))
	}
	if c.Paths.SettingsCache != "" {
		directories = append(directories, filepath.Dir(c.Paths.SettingsCache))
	}
	for _, directory := range directories {
		if directory == "" {
			continue
		}
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}
