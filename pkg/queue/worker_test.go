package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/pkg/observability/logger"
	"github.com/quarrylabs/quarry/pkg/resilience"
)

func startTestWorker(t *testing.T, engine Queue, register func(*Worker)) context.CancelFunc {
	t.Helper()
	worker, err := NewWorker(engine, logger.NewNop(), WorkerConfig{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		StopTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	register(worker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("worker start returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop in time")
		}
	})
	return cancel
}

func waitForStatus(t *testing.T, engine Queue, jobID string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := engine.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := engine.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, stuck at %s", jobID, want, job.Status)
	return nil
}

func TestWorkerConfigNormalize(t *testing.T) {
	cfg := WorkerConfig{}
	cfg.normalize()

	if cfg.Concurrency != 1 {
		t.Fatalf("expected default concurrency 1, got %d", cfg.Concurrency)
	}
	if cfg.PollInterval != DefaultWorkerPollInterval {
		t.Fatalf("expected default poll interval, got %v", cfg.PollInterval)
	}
	if cfg.MaxIdleBackoff != DefaultWorkerMaxIdleBackoff {
		t.Fatalf("expected default idle backoff, got %v", cfg.MaxIdleBackoff)
	}
	if cfg.AttemptTimeout != DefaultWorkerAttemptTimeout {
		t.Fatalf("expected default attempt timeout, got %v", cfg.AttemptTimeout)
	}

	cfg = WorkerConfig{PollInterval: time.Minute, MaxIdleBackoff: time.Second}
	cfg.normalize()
	if cfg.MaxIdleBackoff != time.Minute {
		t.Fatalf("idle backoff must not undercut the poll interval, got %v", cfg.MaxIdleBackoff)
	}
}

func TestNewWorker_Validation(t *testing.T) {
	if _, err := NewWorker(nil, logger.NewNop(), WorkerConfig{}); err == nil {
		t.Fatal("expected queue validation error")
	}
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	if _, err := NewWorker(engine, nil, WorkerConfig{}); err == nil {
		t.Fatal("expected logger validation error")
	}
}

func TestWorkerRegister_Validation(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	worker, err := NewWorker(engine, logger.NewNop(), WorkerConfig{})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	if err := worker.Register("", func(context.Context, *Job) (any, error) { return nil, nil }); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty namespace, got %v", err)
	}
	if err := worker.Register("emails", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for nil handler, got %v", err)
	}
}

func TestWorkerStart_RequiresHandler(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	worker, err := NewWorker(engine, logger.NewNop(), WorkerConfig{})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	if err := worker.Start(context.Background()); err == nil {
		t.Fatal("expected error when no handlers are registered")
	}
}

func TestWorkerProcess_Success(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	ctx := context.Background()

	if _, err := engine.Enqueue(ctx, "emails", "job-1", map[string]any{"to": "a@example.com"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	startTestWorker(t, engine, func(w *Worker) {
		_ = w.Register("emails", func(_ context.Context, job *Job) (any, error) {
			return map[string]any{"message_id": "m-" + job.ID}, nil
		})
	})

	job := waitForStatus(t, engine, "job-1", StatusCompleted)
	result, ok := job.Payload["result"].(map[string]any)
	if !ok || result["message_id"] != "m-job-1" {
		t.Fatalf("expected handler result merged into payload, got %+v", job.Payload)
	}
}

func TestWorkerProcess_NonRetryableFailure(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	ctx := context.Background()

	if _, err := engine.Enqueue(ctx, "emails", "job-1", nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	startTestWorker(t, engine, func(w *Worker) {
		_ = w.Register("emails", func(context.Context, *Job) (any, error) {
			return nil, fmt.Errorf("address rejected: %w", ErrNonRetryable)
		})
	})

	job := waitForStatus(t, engine, "job-1", StatusFailed)
	if job.RetryCount != 0 {
		t.Fatalf("non-retryable failure must not burn retries, got %d", job.RetryCount)
	}
	if len(job.ErrorHistory) != 1 {
		t.Fatalf("expected one error entry, got %d", len(job.ErrorHistory))
	}
}

func TestWorkerProcess_RetryableFailureDeadLetters(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	ctx := context.Background()

	// Budget of zero: the first retryable failure dead-letters immediately,
	// keeping the test independent of backoff delays.
	if _, err := engine.Enqueue(ctx, "emails", "job-1", nil, WithMaxRetries(0)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	startTestWorker(t, engine, func(w *Worker) {
		_ = w.Register("emails", func(context.Context, *Job) (any, error) {
			return nil, errors.New("smtp timeout")
		})
	})

	waitForStatus(t, engine, "job-1", StatusDeadLetter)
	entries, err := engine.DeadLetterList(ctx)
	if err != nil {
		t.Fatalf("dead letter list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "job-1" {
		t.Fatalf("expected job-1 in dead-letter register, got %+v", entries)
	}
}

func TestWorkerProcess_PanicIsContained(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	ctx := context.Background()

	if _, err := engine.Enqueue(ctx, "emails", "job-1", nil, WithMaxRetries(0)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	startTestWorker(t, engine, func(w *Worker) {
		_ = w.Register("emails", func(context.Context, *Job) (any, error) {
			panic("handler exploded")
		})
	})

	job := waitForStatus(t, engine, "job-1", StatusDeadLetter)
	if len(job.ErrorHistory) == 0 {
		t.Fatal("expected panic recorded in error history")
	}
}

func TestWorkerProcess_AttemptTimeout(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	ctx := context.Background()

	if _, err := engine.Enqueue(ctx, "emails", "job-1", nil, WithMaxRetries(0)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	worker, err := NewWorker(engine, logger.NewNop(), WorkerConfig{
		Concurrency:    1,
		PollInterval:   5 * time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	_ = worker.Register("emails", func(handlerCtx context.Context, _ *Job) (any, error) {
		<-handlerCtx.Done()
		return nil, handlerCtx.Err()
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Start(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitForStatus(t, engine, "job-1", StatusDeadLetter)
}

func TestWorkerExecuteHandler_TimedOutAttemptIgnoresLateResult(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	worker, err := NewWorker(engine, logger.NewNop(), WorkerConfig{
		AttemptTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	// The handler outlives its attempt and only then produces a value; the
	// timed-out attempt must report a nil result rather than whatever the
	// straggler eventually returns.
	release := make(chan struct{})
	defer close(release)
	handler := func(context.Context, *Job) (any, error) {
		<-release
		return "late value", nil
	}

	result, execErr := worker.executeHandler(context.Background(), &Job{ID: "job-1", Namespace: "emails"}, handler)
	if !errors.Is(execErr, resilience.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", execErr)
	}
	if result != nil {
		t.Fatalf("timed-out attempt must return nil result, got %v", result)
	}
}

func TestWorkerExecuteHandler_DeliversResult(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	worker, err := NewWorker(engine, logger.NewNop(), WorkerConfig{})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	handler := func(context.Context, *Job) (any, error) {
		return map[string]any{"message_id": "m-1"}, nil
	}
	result, execErr := worker.executeHandler(context.Background(), &Job{ID: "job-1", Namespace: "emails"}, handler)
	if execErr != nil {
		t.Fatalf("executeHandler failed: %v", execErr)
	}
	payload, ok := result.(map[string]any)
	if !ok || payload["message_id"] != "m-1" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestWorkerStop_Idempotent(t *testing.T) {
	engine := newTestEngine(t, MemoryEngineConfig{}, nil)
	worker, err := NewWorker(engine, logger.NewNop(), WorkerConfig{})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	if err := worker.Stop(context.Background()); err != nil {
		t.Fatalf("stop on a never-started worker must be a no-op: %v", err)
	}
}
