package factory

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/observability/logger"
	"github.com/quarrylabs/quarry/pkg/queue"
)

const (
	EngineMemory = config.QueueEngineMemory
	EngineRedis  = config.QueueEngineRedis
)

// Config configures queue engine selection.
type Config = config.QueueConfig

// NewQueue creates a queue engine from config.
// Default engine is memory so a bare config works out of the box.
func NewQueue(cfg Config, log logger.Logger) (queue.Queue, error) {
	engine := strings.ToLower(strings.TrimSpace(cfg.Engine))
	if engine == "" {
		engine = EngineMemory
	}

	switch engine {
	case EngineMemory:
		return queue.NewMemoryEngine(log, queue.MemoryEngineConfig{
			MaxRetries:    cfg.MaxRetries,
			LeaseTTL:      cfg.LeaseTTL,
			NamespaceTTLs: cfg.NamespaceTTLs,
		})
	case EngineRedis:
		return queue.NewRedisEngine(log, queue.RedisEngineConfig{
			URL:              strings.TrimSpace(cfg.Redis.URL),
			Prefix:           strings.TrimSpace(cfg.Redis.Prefix),
			OperationTimeout: cfg.Redis.OperationTimeout,
			MaxRetries:       cfg.MaxRetries,
			LeaseTTL:         cfg.LeaseTTL,
			NamespaceTTLs:    cfg.NamespaceTTLs,
		})
	default:
		return nil, fmt.Errorf("unsupported queue.engine %q (supported: %s, %s)", cfg.Engine, EngineMemory, EngineRedis)
	}
}
