package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/pkg/observability/logger"
	"github.com/quarrylabs/quarry/pkg/observability/tracing"
	"github.com/quarrylabs/quarry/pkg/resilience"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultWorkerPollInterval   = 100 * time.Millisecond
	DefaultWorkerMaxIdleBackoff = 2 * time.Second
	DefaultWorkerAttemptTimeout = 30 * time.Second
	DefaultWorkerStopTimeout    = 10 * time.Second
)

// Handler processes one dequeued job. The returned result is merged into the
// job payload on completion. A returned error wrapping ErrNonRetryable maps
// to fail(retry=false); every other error maps to fail(retry=true).
type Handler func(ctx context.Context, job *Job) (result any, err error)

// WorkerConfig configures worker lifecycle and concurrency.
type WorkerConfig struct {
	// Concurrency is the number of loops per registered namespace.
	Concurrency int
	// PollInterval is the initial sleep after an empty dequeue. The sleep
	// doubles up to MaxIdleBackoff while the namespace stays empty.
	PollInterval   time.Duration
	MaxIdleBackoff time.Duration
	AttemptTimeout time.Duration
	StopTimeout    time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultWorkerPollInterval
	}
	if c.MaxIdleBackoff <= 0 {
		c.MaxIdleBackoff = DefaultWorkerMaxIdleBackoff
	}
	if c.MaxIdleBackoff < c.PollInterval {
		c.MaxIdleBackoff = c.PollInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultWorkerAttemptTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultWorkerStopTimeout
	}
}

// Worker polls namespaces for eligible jobs and dispatches them to
// registered handlers. Dequeue never blocks, so the worker owns the
// empty-queue backoff.
type Worker struct {
	queue  Queue
	log    logger.Logger
	config WorkerConfig

	mu       sync.RWMutex
	handlers map[string]Handler

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewWorker creates a worker over an existing queue.
func NewWorker(q Queue, log logger.Logger, cfg WorkerConfig) (*Worker, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	return &Worker{
		queue:    q,
		log:      log,
		config:   cfg,
		handlers: map[string]Handler{},
	}, nil
}

// Register binds a handler to a namespace. Registration must happen before
// Start.
func (w *Worker) Register(namespace string, handler Handler) error {
	if w == nil {
		return ErrNotInitialized
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return queueError(ErrValidation, "namespace is required")
	}
	if handler == nil {
		return queueError(ErrValidation, "handler is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[namespace] = handler
	return nil
}

// Start launches the polling loops and blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return ErrNotInitialized
	}
	if ctx == nil {
		return queueError(ErrValidation, "context is required")
	}

	w.mu.RLock()
	namespaces := make([]string, 0, len(w.handlers))
	for namespace := range w.handlers {
		namespaces = append(namespaces, namespace)
	}
	w.mu.RUnlock()
	if len(namespaces) == 0 {
		return errors.New("at least one handler is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()

	for _, namespace := range namespaces {
		for idx := 0; idx < w.config.Concurrency; idx++ {
			w.wg.Add(1)
			go w.runLoop(runCtx, namespace)
		}
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop requests graceful shutdown and waits for active loops to finish.
func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

func (w *Worker) runLoop(ctx context.Context, namespace string) {
	defer w.wg.Done()

	idle := w.config.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx, namespace)
		if err != nil {
			w.log.Warn("dequeue failed", "namespace", namespace, "error", err)
			if !w.sleep(ctx, idle) {
				return
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx, idle) {
				return
			}
			if idle *= 2; idle > w.config.MaxIdleBackoff {
				idle = w.config.MaxIdleBackoff
			}
			continue
		}
		idle = w.config.PollInterval

		incrementJobInFlight(namespace)
		if err := w.process(ctx, job); err != nil {
			w.log.Warn("job processing failed", "namespace", namespace, "job_id", job.ID, "error", err)
			recordJobProcessed(namespace, "error")
		}
		decrementJobInFlight(namespace)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	traceCtx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationProcess,
		tracing.WithQueueNamespace(job.Namespace),
		tracing.WithQueueJobID(job.ID),
		tracing.WithQueueAttempt(job.RetryCount),
	)
	span.SetAttributes(attribute.Int("queue.max_retries", job.MaxRetries))
	defer span.End()

	handler := w.lookupHandler(job.Namespace)
	if handler == nil {
		missingErr := fmt.Errorf("handler not registered for namespace %q", job.Namespace)
		tracing.RecordError(span, missingErr)
		w.log.Error("no handler for dequeued job", "namespace", job.Namespace, "job_id", job.ID)
		if failErr := w.queue.Fail(traceCtx, job.ID, missingErr.Error(), false); failErr != nil {
			return errors.Join(missingErr, failErr)
		}
		recordJobProcessed(job.Namespace, "failed")
		return nil
	}

	result, execErr := w.executeHandler(traceCtx, job, handler)
	if execErr == nil {
		if err := w.queue.Complete(traceCtx, job.ID, result); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("complete failed: %w", err)
		}
		recordJobProcessed(job.Namespace, "success")
		tracing.RecordSuccess(span)
		return nil
	}

	tracing.RecordError(span, execErr)
	retry := !errors.Is(execErr, ErrNonRetryable)
	if err := w.queue.Fail(traceCtx, job.ID, execErr.Error(), retry); err != nil {
		return fmt.Errorf("fail failed: %w", err)
	}
	if retry {
		recordJobProcessed(job.Namespace, "retry")
	} else {
		recordJobProcessed(job.Namespace, "failed")
	}
	return nil
}

func (w *Worker) executeHandler(ctx context.Context, job *Job, handler Handler) (any, error) {
	// The handler runs on the timeout goroutine; its result crosses the
	// boundary through a buffered channel so a timed-out attempt never reads
	// a value the handler is still writing. The recover must live on that
	// same goroutine to contain handler panics.
	results := make(chan any, 1)
	err := resilience.WithTimeout(ctx, w.config.AttemptTimeout, func(runCtx context.Context) (attemptErr error) {
		defer func() {
			if rec := recover(); rec != nil {
				attemptErr = fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack()))
			}
		}()
		result, handlerErr := handler(runCtx, job)
		if handlerErr != nil {
			return handlerErr
		}
		results <- result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return <-results, nil
}

func (w *Worker) lookupHandler(namespace string) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[namespace]
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
