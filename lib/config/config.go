// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/capture/lib/compress"
	"github.com/bureau-foundation/capture/lib/queue"
	"github.com/bureau-foundation/capture/lib/retry"
	"github.com/bureau-foundation/capture/lib/session"
	"github.com/bureau-foundation/capture/lib/storage"
	"github.com/bureau-foundation/capture/lib/transport"
)

// EnvVar names the environment variable read by Load.
const EnvVar = "CAPTURE_CONFIG"

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

// MemoryPersistence keeps a medium in memory instead of the state
// database.
const MemoryPersistence = string(storage.InMemory)

// Config is the capture pipeline configuration file.
type Config struct {
	// Environment selects the override section to apply.
	Environment Environment `yaml:"environment" json:"environment"`

	// Token is the project token sent as api_key.
	Token string `yaml:"token" json:"token"`

	// APIHost is the collector base URL.
	APIHost string `yaml:"api_host" json:"api_host"`

	// Name distinguishes pipelines sharing a token and a state file.
	Name string `yaml:"name" json:"name"`

	// Persistence is the medium of the session window and persisted
	// properties: "localStorage", "cookie", or "memory".
	Persistence string `yaml:"persistence" json:"persistence"`

	State       StateConfig       `yaml:"state" json:"state"`
	Consent     ConsentConfig     `yaml:"consent" json:"consent"`
	Session     SessionConfig     `yaml:"session" json:"session"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Queue       QueueConfig       `yaml:"queue" json:"queue"`
	Retry       RetryConfig       `yaml:"retry" json:"retry"`
	Transport   TransportConfig   `yaml:"transport" json:"transport"`
	Compression CompressionConfig `yaml:"compression" json:"compression"`
	Properties  PropertiesConfig  `yaml:"properties" json:"properties"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty" json:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty" json:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Token           string `yaml:"token,omitempty" json:"token,omitempty"`
	APIHost         string `yaml:"api_host,omitempty" json:"api_host,omitempty"`
	FlushIntervalMS int    `yaml:"flush_interval_ms,omitempty" json:"flush_interval_ms,omitempty"`
}

// StateConfig locates the durable state database.
type StateConfig struct {
	// Path is the SQLite file holding the cookie and localStorage
	// media. Empty keeps all state in memory.
	Path string `yaml:"path" json:"path"`
}

// ConsentConfig configures the consent gate.
type ConsentConfig struct {
	// Persistence is the medium of the consent marker.
	Persistence string `yaml:"persistence" json:"persistence"`

	// Prefix replaces the default marker key prefix.
	Prefix string `yaml:"prefix" json:"prefix"`

	RespectDNT                 bool `yaml:"respect_dnt" json:"respect_dnt"`
	OptOutCapturingByDefault   bool `yaml:"opt_out_capturing_by_default" json:"opt_out_capturing_by_default"`
	OptOutPersistenceByDefault bool `yaml:"opt_out_persistence_by_default" json:"opt_out_persistence_by_default"`
}

// SessionConfig configures the session tracker.
type SessionConfig struct {
	// IdleTimeoutSeconds is clamped to [60, 36000].
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`

	BootstrapSessionID string `yaml:"bootstrap_session_id" json:"bootstrap_session_id"`
}

// RateLimitConfig configures the client-side token bucket.
type RateLimitConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second" json:"events_per_second"`
	BurstLimit      float64 `yaml:"burst_limit" json:"burst_limit"`
}

// QueueConfig configures the request queue.
type QueueConfig struct {
	// FlushIntervalMS is clamped to [250, 5000].
	FlushIntervalMS int `yaml:"flush_interval_ms" json:"flush_interval_ms"`

	BatchThreshold int `yaml:"batch_threshold" json:"batch_threshold"`

	// RequestBatching false makes every capture instant.
	RequestBatching bool `yaml:"request_batching" json:"request_batching"`
}

// RetryConfig configures the retry queue. Durations use Go syntax
// ("3s", "30m").
type RetryConfig struct {
	BaseDelay    string  `yaml:"base_delay" json:"base_delay"`
	MaxDelay     string  `yaml:"max_delay" json:"max_delay"`
	Jitter       float64 `yaml:"jitter" json:"jitter"`
	MaxAttempts  int     `yaml:"max_attempts" json:"max_attempts"`
	MaxAge       string  `yaml:"max_age" json:"max_age"`
	MaxEntries   int     `yaml:"max_entries" json:"max_entries"`
	TickInterval string  `yaml:"tick_interval" json:"tick_interval"`
}

// TransportConfig configures delivery.
type TransportConfig struct {
	// Strategy is "buffered" or "promised".
	Strategy string `yaml:"strategy" json:"strategy"`

	Timeout         string `yaml:"timeout" json:"timeout"`
	WithCredentials bool   `yaml:"with_credentials" json:"with_credentials"`

	// TracingHosts lists hostnames whose requests carry the session
	// tracing headers.
	TracingHosts []string `yaml:"tracing_hosts" json:"tracing_hosts"`
}

// CompressionConfig configures body encoding. Supported stands in for
// the collector's advertised list until remote config arrives.
type CompressionConfig struct {
	Disabled  bool     `yaml:"disabled" json:"disabled"`
	Supported []string `yaml:"supported" json:"supported"`

	AnalyticsEndpoint     string `yaml:"analytics_endpoint" json:"analytics_endpoint"`
	ElementsChainAsString bool   `yaml:"elements_chain_as_string" json:"elements_chain_as_string"`
}

// PropertiesConfig configures event assembly.
type PropertiesConfig struct {
	// StringMaxLength bounds string values. Negative disables
	// truncation.
	StringMaxLength int `yaml:"string_max_length" json:"string_max_length"`

	Denylist []string `yaml:"denylist" json:"denylist"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Environment: Development,
		Persistence: string(storage.LocalStorage),
		State: StateConfig{
			Path: "${CAPTURE_STATE:-${HOME}/.local/state/capture}/state.db",
		},
		Consent: ConsentConfig{
			Persistence: string(storage.LocalStorage),
		},
		Session: SessionConfig{
			IdleTimeoutSeconds: int(session.DefaultIdleTimeout / time.Second),
		},
		RateLimit: RateLimitConfig{
			EventsPerSecond: 10,
			BurstLimit:      100,
		},
		Queue: QueueConfig{
			FlushIntervalMS: int(queue.DefaultFlushInterval / time.Millisecond),
			BatchThreshold:  queue.DefaultThreshold,
			RequestBatching: true,
		},
		Retry: RetryConfig{
			BaseDelay:    policy.BaseDelay.String(),
			MaxDelay:     policy.MaxDelay.String(),
			Jitter:       policy.Jitter,
			MaxAttempts:  policy.MaxAttempts,
			MaxAge:       policy.MaxAge.String(),
			MaxEntries:   policy.MaxEntries,
			TickInterval: policy.TickInterval.String(),
		},
		Transport: TransportConfig{
			Strategy: "buffered",
			Timeout:  transport.DefaultTimeout.String(),
		},
		Properties: PropertiesConfig{
			StringMaxLength: 65535,
		},
	}
}

// Load loads configuration from the CAPTURE_CONFIG environment
// variable. There is no fallback: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your capture config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	cfg.expandVariables()

	return cfg, nil
}

// loadFile decodes one file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}
	if overrides.Token != "" {
		c.Token = overrides.Token
	}
	if overrides.APIHost != "" {
		c.APIHost = overrides.APIHost
	}
	if overrides.FlushIntervalMS != 0 {
		c.Queue.FlushIntervalMS = overrides.FlushIntervalMS
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.State.Path = expandVars(c.State.Path, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}. The default may
// itself contain one level of ${VAR}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-((?:[^}$]|\$\{[^}]*\})*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return expandVars(defaultValue, vars)
	})
}

// Validate checks the configuration for errors and reports all of
// them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Token == "" {
		errs = append(errs, fmt.Errorf("token is required"))
	}
	if c.APIHost == "" {
		errs = append(errs, fmt.Errorf("api_host is required"))
	} else if parsed, err := url.Parse(c.APIHost); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("api_host %q must be an absolute URL", c.APIHost))
	}
	if _, err := parsePersistence(c.Persistence); err != nil {
		errs = append(errs, fmt.Errorf("persistence: %w", err))
	}
	if _, err := parsePersistence(c.Consent.Persistence); err != nil {
		errs = append(errs, fmt.Errorf("consent.persistence: %w", err))
	}
	if c.RateLimit.EventsPerSecond < 0 || c.RateLimit.BurstLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}
	if c.Queue.BatchThreshold < 0 {
		errs = append(errs, fmt.Errorf("queue.batch_threshold must not be negative"))
	}
	if _, err := c.RetryPolicy(); err != nil {
		errs = append(errs, err)
	}
	if strategy, err := transport.ParseStrategy(c.Transport.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("transport.strategy: %w", err))
	} else if strategy == transport.Beacon {
		errs = append(errs, fmt.Errorf("transport.strategy: beacon is reserved for unload"))
	}
	if _, err := parseDuration("transport.timeout", c.Transport.Timeout); err != nil {
		errs = append(errs, err)
	}
	for _, host := range c.Transport.TracingHosts {
		if strings.TrimSpace(host) == "" || strings.Contains(host, "/") {
			errs = append(errs, fmt.Errorf("transport.tracing_hosts: %q is not a hostname", host))
		}
	}
	if _, err := c.SupportedCompression(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func parsePersistence(name string) (storage.Medium, error) {
	return storage.ParseMedium(name)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if duration < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return duration, nil
}

// PersistenceMedium returns the medium of the session window and
// persisted properties.
func (c *Config) PersistenceMedium() storage.Medium {
	medium, _ := parsePersistence(c.Persistence)
	return medium
}

// ConsentMedium returns the medium of the consent marker.
func (c *Config) ConsentMedium() storage.Medium {
	medium, _ := parsePersistence(c.Consent.Persistence)
	return medium
}

// IdleTimeout returns the clamped session idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return session.ClampIdleTimeout(time.Duration(c.Session.IdleTimeoutSeconds) * time.Second)
}

// FlushInterval returns the clamped request queue flush interval.
func (c *Config) FlushInterval() time.Duration {
	return queue.ClampFlushInterval(time.Duration(c.Queue.FlushIntervalMS) * time.Millisecond)
}

// RetryPolicy returns the retry policy. Zero fields take the
// retry.DefaultPolicy values.
func (c *Config) RetryPolicy() (retry.Policy, error) {
	var errs []error
	duration := func(field, value string) time.Duration {
		parsed, err := parseDuration(field, value)
		if err != nil {
			errs = append(errs, err)
		}
		return parsed
	}
	policy := retry.Policy{
		BaseDelay:    duration("retry.base_delay", c.Retry.BaseDelay),
		MaxDelay:     duration("retry.max_delay", c.Retry.MaxDelay),
		Jitter:       c.Retry.Jitter,
		MaxAttempts:  c.Retry.MaxAttempts,
		MaxAge:       duration("retry.max_age", c.Retry.MaxAge),
		MaxEntries:   c.Retry.MaxEntries,
		TickInterval: duration("retry.tick_interval", c.Retry.TickInterval),
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be between 0 and 1"))
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts and retry.max_entries must not be negative"))
	}
	if len(errs) > 0 {
		return retry.Policy{}, errors.Join(errs...)
	}
	return policy, nil
}

// Strategy returns the transport strategy for non-unload sends.
func (c *Config) Strategy() transport.Strategy {
	strategy, err := transport.ParseStrategy(c.Transport.Strategy)
	if err != nil || strategy == transport.Beacon {
		return transport.Buffered
	}
	return strategy
}

// Timeout returns the request timeout, or zero for the transport
// default.
func (c *Config) Timeout() time.Duration {
	timeout, _ := parseDuration("transport.timeout", c.Transport.Timeout)
	return timeout
}

// SupportedCompression parses compression.supported.
func (c *Config) SupportedCompression() ([]compress.Encoding, error) {
	var encodings []compress.Encoding
	var errs []error
	for _, tag := range c.Compression.Supported {
		encoding, err := compress.ParseEncoding(tag)
		if err != nil {
			errs = append(errs, fmt.Errorf("compression.supported: %w", err))
			continue
		}
		encodings = append(encodings, encoding)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return encodings, nil
}

// EnsureStateDir creates the directory of State.Path.
func (c *Config) EnsureStateDir() error {
	if c.State.Path == "" {
		return nil
	}
	directory := filepath.Dir(c.State.Path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	return nil
}
