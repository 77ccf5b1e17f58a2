package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/pkg/observability/logger"
	"github.com/quarrylabs/quarry/pkg/observability/tracing"
)

const DefaultJanitorInterval = 30 * time.Second

// JanitorConfig configures the periodic maintenance driver.
type JanitorConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// RequeueStalled controls whether each sweep also reaps abandoned
	// PROCESSING jobs. Enabled by default through the factory; pure
	// cache-style deployments can turn it off.
	RequeueStalled bool
}

func (c *JanitorConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultJanitorInterval
	}
}

// Janitor periodically sweeps a queue: TTL expiry first, then stalled-lease
// requeue. The queue works without it; deployments that never set TTLs and
// trust their consumers can call ClearExpired on demand instead.
type Janitor struct {
	queue  Queue
	log    logger.Logger
	config JanitorConfig

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewJanitor creates a maintenance driver over an existing queue.
func NewJanitor(q Queue, log logger.Logger, cfg JanitorConfig) (*Janitor, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	return &Janitor{
		queue:  q,
		log:    log,
		config: cfg,
	}, nil
}

// Start launches the sweep loop and blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) error {
	if j == nil {
		return ErrNotInitialized
	}
	if ctx == nil {
		return queueError(ErrValidation, "context is required")
	}

	j.lifecycleMu.Lock()
	if j.running {
		j.lifecycleMu.Unlock()
		return errors.New("janitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.running = true
	j.lifecycleMu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				j.Sweep(runCtx)
			}
		}
	}()

	<-runCtx.Done()
	return j.Stop(context.Background())
}

// Stop requests shutdown and waits for an in-flight sweep to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	if j == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	j.lifecycleMu.Lock()
	if !j.running {
		j.lifecycleMu.Unlock()
		return nil
	}
	cancel := j.cancel
	j.cancel = nil
	j.running = false
	j.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

// Sweep runs one maintenance pass. It is also safe to call on demand.
func (j *Janitor) Sweep(ctx context.Context) {
	ctx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationSweep)
	defer span.End()

	expired, err := j.queue.ClearExpired(ctx, time.Time{})
	if err != nil {
		tracing.RecordError(span, err)
		j.log.Warn("ttl sweep failed", "error", err)
		return
	}
	if expired > 0 {
		j.log.Info("ttl sweep removed expired records", "count", expired)
	}

	if !j.config.RequeueStalled {
		tracing.RecordSuccess(span)
		return
	}
	stalled, err := j.queue.RequeueStalled(ctx, time.Time{})
	if err != nil {
		tracing.RecordError(span, err)
		j.log.Warn("stalled sweep failed", "error", err)
		return
	}
	if stalled > 0 {
		j.log.Warn("stalled jobs requeued", "count", stalled)
	}
	tracing.RecordSuccess(span)
}
