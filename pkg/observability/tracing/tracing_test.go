package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestStartQueueSpan(t *testing.T) {
	ctx, span := StartQueueSpan(context.Background(), SpanOperationEnqueue,
		WithQueueSystem("memory"),
		WithQueueNamespace("emails"),
		WithQueueJobID("job-1"),
	)
	if span == nil {
		t.Fatal("expected a span")
	}
	defer span.End()

	if ctx == nil {
		t.Fatal("expected a context")
	}
}

func TestStartQueueSpan_AllOperations(t *testing.T) {
	for _, op := range []SpanOperation{
		SpanOperationEnqueue,
		SpanOperationDequeue,
		SpanOperationProcess,
		SpanOperationSweep,
	} {
		_, span := StartQueueSpan(context.Background(), op, WithQueueAttempt(2))
		if span == nil {
			t.Fatalf("operation %s: expected a span", op)
		}
		span.End()
	}
}

func TestSpanHelpers(t *testing.T) {
	_, span := StartQueueSpan(context.Background(), SpanOperationDequeue)
	defer span.End()

	AddQueueJobID(span, "job-1")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	RecordSuccess(span)
}
