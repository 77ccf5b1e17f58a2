// Package tracing provides OpenTelemetry span helpers for queue operations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced queue operation type.
type SpanOperation string

const (
	// SpanOperationEnqueue represents admitting a job to a namespace.
	SpanOperationEnqueue SpanOperation = "queue.enqueue"
	// SpanOperationDequeue represents handing a job to a consumer.
	SpanOperationDequeue SpanOperation = "queue.dequeue"
	// SpanOperationProcess represents a worker processing a dequeued job.
	SpanOperationProcess SpanOperation = "queue.process"
	// SpanOperationSweep represents a TTL or stalled-lease sweep.
	SpanOperationSweep SpanOperation = "queue.sweep"
)

// QueueSpanOption configures a queue span.
type QueueSpanOption func(*queueSpanOptions)

type queueSpanOptions struct {
	namespace  string
	attributes []attribute.KeyValue
}

// WithQueueSystem sets the backing engine (e.g. "memory", "redis").
func WithQueueSystem(system string) QueueSpanOption {
	return func(opts *queueSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("queue.system", system))
	}
}

// WithQueueNamespace sets the namespace the operation targets.
func WithQueueNamespace(namespace string) QueueSpanOption {
	return func(opts *queueSpanOptions) {
		opts.namespace = namespace
		opts.attributes = append(opts.attributes, attribute.String("queue.namespace", namespace))
	}
}

// WithQueueJobID sets the job identifier.
func WithQueueJobID(jobID string) QueueSpanOption {
	return func(opts *queueSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("queue.job_id", jobID))
	}
}

// WithQueueAttempt sets the retry attempt number.
func WithQueueAttempt(attempt int) QueueSpanOption {
	return func(opts *queueSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("queue.attempt", attempt))
	}
}

// StartQueueSpan creates a new span for a queue operation.
func StartQueueSpan(ctx context.Context, operation SpanOperation, opts ...QueueSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("queue")

	spanOpts := &queueSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("queue.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("QUEUE %s", operation)
	if spanOpts.namespace != "" {
		spanName = fmt.Sprintf("QUEUE %s %s", operation, spanOpts.namespace)
	}

	spanKind := trace.SpanKindProducer
	if operation == SpanOperationDequeue || operation == SpanOperationProcess {
		spanKind = trace.SpanKindConsumer
	} else if operation == SpanOperationSweep {
		spanKind = trace.SpanKindInternal
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(spanKind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// AddQueueJobID attaches the job identifier to an already started span, for
// operations that only learn the id mid-flight (dequeue).
func AddQueueJobID(span trace.Span, jobID string) {
	span.SetAttributes(attribute.String("queue.job_id", jobID))
}

// RecordError records an error in the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
