package config

import "time"

// Queue engine type constants
const (
	// QueueEngineMemory keeps all queue state in process memory
	QueueEngineMemory = "memory"
	// QueueEngineRedis stores queue state in Redis
	QueueEngineRedis = "redis"
)

// Config is the root configuration structure for the queue service
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Janitor       JanitorConfig       `mapstructure:"janitor"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// QueueConfig selects and configures the queue engine
type QueueConfig struct {
	Engine        string                   `mapstructure:"engine"`
	MaxRetries    int                      `mapstructure:"max_retries"`
	LeaseTTL      time.Duration            `mapstructure:"lease_ttl"`
	NamespaceTTLs map[string]time.Duration `mapstructure:"namespace_ttls"`
	Redis         RedisConfig              `mapstructure:"redis"`
}

// RedisConfig configures the Redis engine connection
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// WorkerConfig configures the polling worker pool
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxIdleBackoff time.Duration `mapstructure:"max_idle_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// JanitorConfig configures the background maintenance sweep
type JanitorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	RequeueStalled bool          `mapstructure:"requeue_stalled"`
}

// ObservabilityConfig configures logging and metrics exposure
type ObservabilityConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// DefaultConfig returns a config populated with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "quarry",
			Environment: "development",
		},
		Queue: QueueConfig{
			Engine:     QueueEngineMemory,
			MaxRetries: 3,
			LeaseTTL:   30 * time.Second,
			Redis: RedisConfig{
				Prefix:           "quarry",
				OperationTimeout: 5 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Concurrency:    4,
			PollInterval:   100 * time.Millisecond,
			MaxIdleBackoff: 2 * time.Second,
			AttemptTimeout: 30 * time.Second,
			StopTimeout:    10 * time.Second,
		},
		Janitor: JanitorConfig{
			Enabled:        true,
			Interval:       30 * time.Second,
			RequeueStalled: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}
