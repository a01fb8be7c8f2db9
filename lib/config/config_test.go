// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/capture/lib/compress"
	"github.com/bureau-foundation/capture/lib/storage"
	"github.com/bureau-foundation/capture/lib/transport"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.FlushInterval() != 3*time.Second {
		t.Errorf("expected flush interval 3s, got %v", cfg.FlushInterval())
	}
	if cfg.IdleTimeout() != 30*time.Minute {
		t.Errorf("expected idle timeout 30m, got %v", cfg.IdleTimeout())
	}
	if !cfg.Queue.RequestBatching {
		t.Error("expected request_batching=true")
	}
	if cfg.PersistenceMedium() != storage.LocalStorage {
		t.Errorf("expected persistence=localStorage, got %q", cfg.PersistenceMedium())
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		t.Fatalf("RetryPolicy: %v", err)
	}
	if policy.BaseDelay != 3*time.Second || policy.MaxAttempts != 10 || policy.MaxEntries != 100 {
		t.Errorf("unexpected default retry policy: %+v", policy)
	}
}

func TestLoad_RequiresCaptureConfig(t *testing.T) {
	t.Setenv(EnvVar, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CAPTURE_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "CAPTURE_CONFIG environment variable not set") {
		t.Errorf("unexpected error message %q", err.Error())
	}
}

func TestLoad_WithCaptureConfig(t *testing.T) {
	configPath := writeConfig(t, "capture.yaml", `
environment: staging
token: phc_staging
api_host: https://staging.collector.test
`)
	t.Setenv(EnvVar, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Token != "phc_staging" {
		t.Errorf("expected token=phc_staging, got %s", cfg.Token)
	}
}

func TestLoadFileYAML(t *testing.T) {
	configPath := writeConfig(t, "capture.yaml", `
environment: production
token: phc_test
api_host: https://collector.test
persistence: cookie

state:
  path: /var/lib/capture/state.db

consent:
  persistence: cookie
  respect_dnt: true

session:
  idle_timeout_seconds: 10

queue:
  flush_interval_ms: 100000
  request_batching: false

retry:
  base_delay: 1s
  max_attempts: 4

transport:
  strategy: promised
  timeout: 10s
  tracing_hosts: [api.example.com]

compression:
  supported: [zstd, base64]
  analytics_endpoint: /i/v0/e/
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.PersistenceMedium() != storage.Cookie || cfg.ConsentMedium() != storage.Cookie {
		t.Errorf("expected cookie persistence, got %q and %q", cfg.PersistenceMedium(), cfg.ConsentMedium())
	}
	if !cfg.Consent.RespectDNT {
		t.Error("expected respect_dnt=true")
	}
	if cfg.IdleTimeout() != time.Minute {
		t.Errorf("expected idle timeout clamped to 1m, got %v", cfg.IdleTimeout())
	}
	if cfg.FlushInterval() != 5*time.Second {
		t.Errorf("expected flush interval clamped to 5s, got %v", cfg.FlushInterval())
	}
	if cfg.Queue.RequestBatching {
		t.Error("expected request_batching=false")
	}
	if cfg.Queue.BatchThreshold != 50 {
		t.Errorf("expected default batch_threshold=50 to survive, got %d", cfg.Queue.BatchThreshold)
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		t.Fatalf("RetryPolicy: %v", err)
	}
	if policy.BaseDelay != time.Second || policy.MaxAttempts != 4 || policy.MaxDelay != 30*time.Minute {
		t.Errorf("unexpected retry policy: %+v", policy)
	}
	if cfg.Strategy() != transport.Promised {
		t.Errorf("expected promised strategy, got %v", cfg.Strategy())
	}
	if cfg.Timeout() != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", cfg.Timeout())
	}
	encodings, err := cfg.SupportedCompression()
	if err != nil {
		t.Fatalf("SupportedCompression: %v", err)
	}
	if len(encodings) != 2 || encodings[0] != compress.Zstd || encodings[1] != compress.Base64 {
		t.Errorf("unexpected encodings %v", encodings)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	configPath := writeConfig(t, "capture.jsonc", `{
	// Comments and trailing commas are allowed.
	"environment": "development",
	"token": "phc_jsonc",
	"api_host": "https://collector.test",
	"queue": {
		"flush_interval_ms": 1000,
		"batch_threshold": 10,
	},
	"properties": {
		"denylist": ["$ip", "email"],
	},
}`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Token != "phc_jsonc" {
		t.Errorf("expected token=phc_jsonc, got %s", cfg.Token)
	}
	if cfg.FlushInterval() != time.Second {
		t.Errorf("expected flush interval 1s, got %v", cfg.FlushInterval())
	}
	if cfg.Queue.BatchThreshold != 10 {
		t.Errorf("expected batch_threshold=10, got %d", cfg.Queue.BatchThreshold)
	}
	if !cfg.Queue.RequestBatching {
		t.Error("expected request_batching default to survive a JSONC file that omits it")
	}
	if len(cfg.Properties.Denylist) != 2 {
		t.Errorf("expected two denylist entries, got %v", cfg.Properties.Denylist)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, "capture.yaml", `
environment: production
token: phc_default
api_host: https://dev.collector.test
queue:
  flush_interval_ms: 500

development:
  api_host: http://localhost:8000

production:
  api_host: https://collector.test
  token: phc_prod
  flush_interval_ms: 4000
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.APIHost != "https://collector.test" {
		t.Errorf("expected production api_host, got %s", cfg.APIHost)
	}
	if cfg.Token != "phc_prod" {
		t.Errorf("expected production token, got %s", cfg.Token)
	}
	if cfg.FlushInterval() != 4*time.Second {
		t.Errorf("expected production flush interval 4s, got %v", cfg.FlushInterval())
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// Only CAPTURE_CONFIG and path expansion read the environment.
	t.Setenv("CAPTURE_TOKEN", "phc_env")
	t.Setenv("CAPTURE_API_HOST", "https://env.collector.test")

	configPath := writeConfig(t, "capture.yaml", `
token: phc_file
api_host: https://file.collector.test
`)
	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Token != "phc_file" || cfg.APIHost != "https://file.collector.test" {
		t.Errorf("environment variables overrode file values: token=%s api_host=%s", cfg.Token, cfg.APIHost)
	}
}

func TestStatePathExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("CAPTURE_STATE", "")

	cfg, err := LoadFile(writeConfig(t, "capture.yaml", "token: phc_test\napi_host: https://collector.test\n"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.State.Path != "/home/tester/.local/state/capture/state.db" {
		t.Errorf("unexpected default state path %s", cfg.State.Path)
	}

	t.Setenv("CAPTURE_STATE", "/srv/capture")
	cfg, err = LoadFile(writeConfig(t, "capture.yaml", "token: phc_test\napi_host: https://collector.test\n"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.State.Path != "/srv/capture/state.db" {
		t.Errorf("expected CAPTURE_STATE to win, got %s", cfg.State.Path)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("CAPTURE_TEST_UNSET", "")
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/capture",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/capture",
		},
		{
			input:    "${CAPTURE_TEST_UNSET:-/tmp/capture}/state.db",
			vars:     map[string]string{},
			expected: "/tmp/capture/state.db",
		},
		{
			input:    "${CAPTURE_TEST_UNSET:-${HOME}/state}",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/state",
		},
		{
			input:    "/absolute/path",
			vars:     map[string]string{},
			expected: "/absolute/path",
		},
	}

	for _, test := range tests {
		if result := expandVars(test.input, test.vars); result != test.expected {
			t.Errorf("expandVars(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Environment = "qa"
	cfg.APIHost = "collector.test"
	cfg.Persistence = "sessionStorage"
	cfg.Retry.BaseDelay = "soon"
	cfg.Retry.Jitter = 2
	cfg.Transport.Strategy = "beacon"
	cfg.Compression.Supported = []string{"brotli"}
	cfg.Transport.TracingHosts = []string{"https://api.example.com/"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{
		"invalid environment",
		"token is required",
		"api_host",
		"persistence",
		"retry.base_delay",
		"retry.jitter",
		"beacon is reserved",
		"compression.supported",
		"tracing_hosts",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error is missing %q:\n%v", want, err)
		}
	}
}

func TestMemoryPersistence(t *testing.T) {
	cfg := Default()
	cfg.Token = "phc_test"
	cfg.APIHost = "https://collector.test"
	cfg.Persistence = MemoryPersistence
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.PersistenceMedium() != storage.InMemory {
		t.Errorf("PersistenceMedium() = %q, want %q", cfg.PersistenceMedium(), storage.InMemory)
	}
}

func TestEnsureStateDir(t *testing.T) {
	cfg := Default()
	cfg.State.Path = filepath.Join(t.TempDir(), "nested", "state", "state.db")
	if err := cfg.EnsureStateDir(); err != nil {
		t.Fatalf("EnsureStateDir: %v", err)
	}
	if info, err := os.Stat(filepath.Dir(cfg.State.Path)); err != nil || !info.IsDir() {
		t.Fatalf("state directory not created: %v", err)
	}
}
