package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "QUARRY")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	l.setDefaults(v, defaults)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Queue
	v.BindEnv("queue.engine", l.prefixedEnv("QUEUE_ENGINE"))
	v.BindEnv("queue.max_retries", l.prefixedEnv("QUEUE_MAX_RETRIES"))
	v.BindEnv("queue.lease_ttl", l.prefixedEnv("QUEUE_LEASE_TTL"))
	v.BindEnv("queue.redis.url", l.prefixedEnv("QUEUE_REDIS_URL"))
	v.BindEnv("queue.redis.prefix", l.prefixedEnv("QUEUE_REDIS_PREFIX"))
	v.BindEnv("queue.redis.operation_timeout", l.prefixedEnv("QUEUE_REDIS_OPERATION_TIMEOUT"))

	// Worker
	v.BindEnv("worker.concurrency", l.prefixedEnv("WORKER_CONCURRENCY"))
	v.BindEnv("worker.poll_interval", l.prefixedEnv("WORKER_POLL_INTERVAL"))
	v.BindEnv("worker.max_idle_backoff", l.prefixedEnv("WORKER_MAX_IDLE_BACKOFF"))
	v.BindEnv("worker.attempt_timeout", l.prefixedEnv("WORKER_ATTEMPT_TIMEOUT"))
	v.BindEnv("worker.stop_timeout", l.prefixedEnv("WORKER_STOP_TIMEOUT"))

	// Janitor
	v.BindEnv("janitor.enabled", l.prefixedEnv("JANITOR_ENABLED"))
	v.BindEnv("janitor.interval", l.prefixedEnv("JANITOR_INTERVAL"))
	v.BindEnv("janitor.requeue_stalled", l.prefixedEnv("JANITOR_REQUEUE_STALLED"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"))
	v.BindEnv("observability.metrics_port", l.prefixedEnv("OBSERVABILITY_METRICS_PORT"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "QUARRY"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("queue.engine", cfg.Queue.Engine)
	v.SetDefault("queue.max_retries", cfg.Queue.MaxRetries)
	v.SetDefault("queue.lease_ttl", cfg.Queue.LeaseTTL)
	v.SetDefault("queue.redis.prefix", cfg.Queue.Redis.Prefix)
	v.SetDefault("queue.redis.operation_timeout", cfg.Queue.Redis.OperationTimeout)

	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.max_idle_backoff", cfg.Worker.MaxIdleBackoff)
	v.SetDefault("worker.attempt_timeout", cfg.Worker.AttemptTimeout)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)

	v.SetDefault("janitor.enabled", cfg.Janitor.Enabled)
	v.SetDefault("janitor.interval", cfg.Janitor.Interval)
	v.SetDefault("janitor.requeue_stalled", cfg.Janitor.RequeueStalled)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.metrics_port", cfg.Observability.MetricsPort)
}

// Validate validates the configuration and returns detailed errors
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	validEngines := []string{QueueEngineMemory, QueueEngineRedis}
	if !contains(validEngines, strings.ToLower(cfg.Queue.Engine)) {
		errs = append(errs, fmt.Errorf("invalid queue.engine: %s (must be one of: %v)", cfg.Queue.Engine, validEngines))
	}
	if strings.EqualFold(cfg.Queue.Engine, QueueEngineRedis) && strings.TrimSpace(cfg.Queue.Redis.URL) == "" {
		errs = append(errs, errors.New("queue.redis.url is required when queue.engine is redis"))
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must be >= 0"))
	}
	if cfg.Queue.LeaseTTL < 0 {
		errs = append(errs, errors.New("queue.lease_ttl must be >= 0"))
	}
	for namespace, ttl := range cfg.Queue.NamespaceTTLs {
		if ttl < 0 {
			errs = append(errs, fmt.Errorf("queue.namespace_ttls.%s must be >= 0", namespace))
		}
	}

	if cfg.Worker.Concurrency < 0 {
		errs = append(errs, errors.New("worker.concurrency must be >= 0"))
	}
	if cfg.Worker.PollInterval < 0 {
		errs = append(errs, errors.New("worker.poll_interval must be >= 0"))
	}

	if cfg.Janitor.Enabled && cfg.Janitor.Interval <= 0 {
		errs = append(errs, errors.New("janitor.interval must be > 0 when the janitor is enabled"))
	}

	validLevels := []string{"", "debug", "info", "warn", "error"}
	if !contains(validLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s", cfg.Observability.LogLevel))
	}
	validFormats := []string{"", "json", "text"}
	if !contains(validFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s", cfg.Observability.LogFormat))
	}
	if cfg.Observability.MetricsPort < 0 || cfg.Observability.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid observability.metrics_port: %d", cfg.Observability.MetricsPort))
	}

	return errors.Join(errs...)
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
