package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies input/config/payload validation failures.
	ErrValidation = errors.New("queue validation error")
	// ErrDuplicateJob classifies enqueue attempts reusing an existing job id.
	ErrDuplicateJob = errors.New("queue duplicate job")
	// ErrJobNotFound classifies lookups of unknown job ids.
	ErrJobNotFound = errors.New("queue job not found")
	// ErrInvalidTransition classifies complete/fail calls on a job that is
	// not currently PROCESSING, or any mutation of a terminal job.
	ErrInvalidTransition = errors.New("queue invalid transition")
	// ErrNonRetryable marks a handler failure that must not be retried.
	// Workers map it to fail(retry=false).
	ErrNonRetryable = errors.New("queue non-retryable failure")
	// ErrNotInitialized classifies operations on a nil or half-built engine.
	ErrNotInitialized = errors.New("queue not initialized")
	// ErrClosed classifies operations on an already closed engine.
	ErrClosed = errors.New("queue closed")
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
