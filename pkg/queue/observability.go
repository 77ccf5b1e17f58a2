package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"engine", "namespace"},
	)

	jobsDequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_dequeued_total",
			Help: "Total number of jobs handed to consumers",
		},
		[]string{"engine", "namespace"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_processed_total",
			Help: "Total number of jobs resolved by workers",
		},
		[]string{"namespace", "status"},
	)

	jobsRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_retry_total",
			Help: "Total number of retry re-admissions scheduled",
		},
		[]string{"engine", "namespace"},
	)

	jobsDeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_dead_letter_total",
			Help: "Total number of jobs routed to the dead-letter register",
		},
		[]string{"engine", "namespace"},
	)

	jobsExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_expired_total",
			Help: "Total number of records removed by TTL sweeps",
		},
		[]string{"engine"},
	)

	jobsStalledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_jobs_stalled_total",
			Help: "Total number of abandoned PROCESSING jobs requeued",
		},
		[]string{"engine"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_jobs_inflight",
			Help: "Current number of jobs being processed by workers",
		},
		[]string{"namespace"},
	)
)

func recordJobEnqueued(engine, namespace string) {
	jobsEnqueuedTotal.WithLabelValues(
		normalizeMetricLabel(engine, "unknown"),
		normalizeMetricLabel(namespace, "unknown"),
	).Inc()
}

func recordJobDequeued(engine, namespace string) {
	jobsDequeuedTotal.WithLabelValues(
		normalizeMetricLabel(engine, "unknown"),
		normalizeMetricLabel(namespace, "unknown"),
	).Inc()
}

func recordJobProcessed(namespace, status string) {
	jobsProcessedTotal.WithLabelValues(
		normalizeMetricLabel(namespace, "unknown"),
		normalizeMetricLabel(status, "unknown"),
	).Inc()
}

func recordJobRetry(engine, namespace string) {
	jobsRetryTotal.WithLabelValues(
		normalizeMetricLabel(engine, "unknown"),
		normalizeMetricLabel(namespace, "unknown"),
	).Inc()
}

func recordJobDeadLetter(engine, namespace string) {
	jobsDeadLetterTotal.WithLabelValues(
		normalizeMetricLabel(engine, "unknown"),
		normalizeMetricLabel(namespace, "unknown"),
	).Inc()
}

func recordJobsExpired(engine string, count int) {
	if count <= 0 {
		return
	}
	jobsExpiredTotal.WithLabelValues(normalizeMetricLabel(engine, "unknown")).Add(float64(count))
}

func recordJobsStalled(engine string, count int) {
	if count <= 0 {
		return
	}
	jobsStalledTotal.WithLabelValues(normalizeMetricLabel(engine, "unknown")).Add(float64(count))
}

func incrementJobInFlight(namespace string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(namespace, "unknown")).Inc()
}

func decrementJobInFlight(namespace string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(namespace, "unknown")).Dec()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
