// Package health provides a small health-check registry and adapters.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Checker is implemented by health check providers.
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Checkable is implemented by components exposing a plain error-returning
// health probe.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker adapts any Checkable into a Checker.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a health checker for a Checkable component.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AdapterChecker{
		name:    name,
		adapter: adapter,
		timeout: timeout,
	}
}

// Name returns the checker name.
func (c *AdapterChecker) Name() string {
	return c.name
}

// Check probes the adapted component under the configured timeout.
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}

// Registry manages a collection of health checks.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
	}
}

// Register adds a checker, replacing any existing checker with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// CheckAll runs every registered check and returns the results by name.
func (r *Registry) CheckAll(ctx context.Context) map[string]CheckResult {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, checker := range r.checkers {
		checkers = append(checkers, checker)
	}
	r.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	for _, checker := range checkers {
		results[checker.Name()] = checker.Check(ctx)
	}
	return results
}

// Healthy reports whether every registered check currently passes.
func (r *Registry) Healthy(ctx context.Context) bool {
	for _, result := range r.CheckAll(ctx) {
		if result.Status != StatusHealthy {
			return false
		}
	}
	return true
}
