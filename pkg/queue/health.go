package queue

import (
	"strings"
	"time"

	"github.com/quarrylabs/quarry/pkg/health"
)

const defaultQueueHealthCheckName = "queue-engine"

// NewQueueHealthChecker creates a standard health checker for a queue engine.
func NewQueueHealthChecker(name string, q Queue, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultQueueHealthCheckName
	}
	return health.NewAdapterChecker(checkName, q, timeout)
}
