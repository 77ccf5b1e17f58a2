package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Service.Name != "quarry" {
		t.Errorf("expected service name quarry, got %s", cfg.Service.Name)
	}
	if cfg.Service.Environment != "development" {
		t.Errorf("expected service environment development, got %s", cfg.Service.Environment)
	}

	if cfg.Queue.Engine != QueueEngineMemory {
		t.Errorf("expected queue engine memory, got %s", cfg.Queue.Engine)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.LeaseTTL != 30*time.Second {
		t.Errorf("expected lease ttl 30s, got %v", cfg.Queue.LeaseTTL)
	}
	if cfg.Queue.Redis.Prefix != "quarry" {
		t.Errorf("expected redis prefix quarry, got %s", cfg.Queue.Redis.Prefix)
	}
	if cfg.Queue.Redis.OperationTimeout != 5*time.Second {
		t.Errorf("expected redis operation timeout 5s, got %v", cfg.Queue.Redis.OperationTimeout)
	}

	if cfg.Worker.Concurrency != 4 {
		t.Errorf("expected worker concurrency 4, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollInterval != 100*time.Millisecond {
		t.Errorf("expected poll interval 100ms, got %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.StopTimeout != 10*time.Second {
		t.Errorf("expected stop timeout 10s, got %v", cfg.Worker.StopTimeout)
	}

	if !cfg.Janitor.Enabled {
		t.Error("expected janitor enabled by default")
	}
	if cfg.Janitor.Interval != 30*time.Second {
		t.Errorf("expected janitor interval 30s, got %v", cfg.Janitor.Interval)
	}
	if !cfg.Janitor.RequeueStalled {
		t.Error("expected janitor requeue_stalled enabled by default")
	}

	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Observability.LogLevel)
	}
	if cfg.Observability.LogFormat != "json" {
		t.Errorf("expected log format 'json', got %s", cfg.Observability.LogFormat)
	}
}

func TestViperLoader_LoadDefaults(t *testing.T) {
	loader := NewViperLoader("", "QUARRY")
	cfg, err := loader.Load()

	if err != nil {
		t.Fatalf("expected no error loading defaults, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config to be non-nil")
	}
	if cfg.Queue.Engine != QueueEngineMemory {
		t.Errorf("expected queue engine memory, got %s", cfg.Queue.Engine)
	}
}

func TestViperLoader_LoadWithEnvOverride(t *testing.T) {
	t.Setenv("QUARRY_SERVICE_NAME", "mailer")
	t.Setenv("QUARRY_QUEUE_ENGINE", "redis")
	t.Setenv("QUARRY_QUEUE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("QUARRY_QUEUE_MAX_RETRIES", "5")
	t.Setenv("QUARRY_WORKER_CONCURRENCY", "8")
	t.Setenv("QUARRY_OBSERVABILITY_LOG_LEVEL", "debug")

	loader := NewViperLoader("", "QUARRY")
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Service.Name != "mailer" {
		t.Errorf("expected service name mailer from env, got %s", cfg.Service.Name)
	}
	if cfg.Queue.Engine != QueueEngineRedis {
		t.Errorf("expected queue engine redis from env, got %s", cfg.Queue.Engine)
	}
	if cfg.Queue.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("expected redis url from env, got %s", cfg.Queue.Redis.URL)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("expected max retries 5 from env, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("expected worker concurrency 8 from env, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug' from env, got %s", cfg.Observability.LogLevel)
	}
}

func TestViperLoader_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
service:
  name: reporter
queue:
  engine: memory
  max_retries: 7
  namespace_ttls:
    emails: 1h
worker:
  concurrency: 2
janitor:
  enabled: false
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewViperLoader(path, "QUARRY")
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Service.Name != "reporter" {
		t.Errorf("expected service name reporter from file, got %s", cfg.Service.Name)
	}
	if cfg.Queue.MaxRetries != 7 {
		t.Errorf("expected max retries 7 from file, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.NamespaceTTLs["emails"] != time.Hour {
		t.Errorf("expected emails namespace ttl 1h, got %v", cfg.Queue.NamespaceTTLs["emails"])
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("expected worker concurrency 2 from file, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Janitor.Enabled {
		t.Error("expected janitor disabled from file")
	}
	// Untouched keys keep their defaults.
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level, got %s", cfg.Observability.LogLevel)
	}
}

func TestViperLoader_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  concurrency: 2\n"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("QUARRY_WORKER_CONCURRENCY", "16")

	cfg, err := NewViperLoader(path, "QUARRY").Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Worker.Concurrency != 16 {
		t.Errorf("expected env to win over file, got %d", cfg.Worker.Concurrency)
	}
}

func TestViperLoader_MissingFile(t *testing.T) {
	_, err := NewViperLoader("/nonexistent/config.yaml", "QUARRY").Load()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestViperLoader_InvalidEngine(t *testing.T) {
	t.Setenv("QUARRY_QUEUE_ENGINE", "carrier-pigeon")

	_, err := NewViperLoader("", "QUARRY").Load()
	if err == nil {
		t.Fatal("expected error for invalid queue engine")
	}
	if !strings.Contains(err.Error(), "invalid queue.engine") {
		t.Fatalf("expected invalid queue.engine error, got %v", err)
	}
}

func TestViperLoader_RedisEngineRequiresURL(t *testing.T) {
	t.Setenv("QUARRY_QUEUE_ENGINE", "redis")

	_, err := NewViperLoader("", "QUARRY").Load()
	if err == nil {
		t.Fatal("expected error for redis engine without url")
	}
	if !strings.Contains(err.Error(), "queue.redis.url is required") {
		t.Fatalf("expected queue.redis.url error, got %v", err)
	}
}

func TestViperLoader_ValidateCollectsAllErrors(t *testing.T) {
	loader := NewViperLoader("", "QUARRY")
	cfg := DefaultConfig()
	cfg.Queue.MaxRetries = -1
	cfg.Worker.Concurrency = -1
	cfg.Observability.LogLevel = "shouty"
	cfg.Observability.MetricsPort = 70000

	err := loader.Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"queue.max_retries must be >= 0",
		"worker.concurrency must be >= 0",
		"invalid observability.log_level",
		"invalid observability.metrics_port",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestViperLoader_JanitorIntervalRequiredWhenEnabled(t *testing.T) {
	loader := NewViperLoader("", "QUARRY")
	cfg := DefaultConfig()
	cfg.Janitor.Interval = 0

	err := loader.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "janitor.interval must be > 0") {
		t.Fatalf("expected janitor.interval error, got %v", err)
	}

	cfg.Janitor.Enabled = false
	if err := loader.Validate(cfg); err != nil {
		t.Fatalf("disabled janitor must not require an interval: %v", err)
	}
}
