package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/pkg/observability/logger"
)

func TestRedisEngineConfigNormalize(t *testing.T) {
	cfg := RedisEngineConfig{}
	cfg.normalize()

	if cfg.Prefix != defaultRedisPrefix {
		t.Fatalf("expected default prefix, got %q", cfg.Prefix)
	}
	if cfg.OperationTimeout != defaultRedisOperationTimeout {
		t.Fatalf("expected default operation timeout, got %v", cfg.OperationTimeout)
	}
	if cfg.TransferBatch != defaultRedisTransferBatch {
		t.Fatalf("expected default transfer batch, got %d", cfg.TransferBatch)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected default max retries, got %d", cfg.MaxRetries)
	}
	if cfg.LeaseTTL != DefaultLeaseTTL {
		t.Fatalf("expected default lease ttl, got %v", cfg.LeaseTTL)
	}
}

func TestNewRedisEngine_ValidationErrors(t *testing.T) {
	if _, err := NewRedisEngine(nil, RedisEngineConfig{URL: "redis://localhost:6379"}); err == nil {
		t.Fatal("expected logger validation error")
	}

	_, err := NewRedisEngine(logger.NewNop(), RedisEngineConfig{})
	if err == nil || !strings.Contains(err.Error(), "redis url is required") {
		t.Fatalf("expected missing redis url error, got %v", err)
	}

	if _, err := NewRedisEngine(logger.NewNop(), RedisEngineConfig{URL: "://bad-url"}); err == nil {
		t.Fatal("expected invalid redis url error")
	}
}

func TestRedisEngineKeyBuilders(t *testing.T) {
	engine := &RedisEngine{config: RedisEngineConfig{Prefix: "quarry"}}

	if got := engine.jobKey("job-1"); got != "quarry:job:job-1" {
		t.Fatalf("unexpected job key: %s", got)
	}
	if got := engine.namespaceKey("emails"); got != "quarry:ns:emails" {
		t.Fatalf("unexpected namespace key: %s", got)
	}
	if got := engine.namespacesKey(); got != "quarry:namespaces" {
		t.Fatalf("unexpected namespaces key: %s", got)
	}
	if got := engine.readyKey("emails"); got != "quarry:ns:emails:ready" {
		t.Fatalf("unexpected ready key: %s", got)
	}
	if got := engine.delayedKey("emails"); got != "quarry:ns:emails:delayed" {
		t.Fatalf("unexpected delayed key: %s", got)
	}
	if got := engine.dlqIndexKey(); got != "quarry:dlq:index" {
		t.Fatalf("unexpected dlq index key: %s", got)
	}
	if got := engine.dlqEntryKey("e-1"); got != "quarry:dlq:entry:e-1" {
		t.Fatalf("unexpected dlq entry key: %s", got)
	}
	if got := engine.dlqJobKey("job-1"); got != "quarry:dlq:job:job-1" {
		t.Fatalf("unexpected dlq job key: %s", got)
	}
	if got := engine.seqKey(); got != "quarry:seq" {
		t.Fatalf("unexpected seq key: %s", got)
	}

	// Trailing colons in the configured prefix collapse.
	engine = &RedisEngine{config: RedisEngineConfig{Prefix: "acme:queue:"}}
	if got := engine.jobKey("job-1"); got != "acme:queue:job:job-1" {
		t.Fatalf("unexpected prefixed job key: %s", got)
	}
}

func TestReadyMemberFormat(t *testing.T) {
	member := readyMember(7, 42, "job-1")
	if member != "7:00000000000000000042:job-1" {
		t.Fatalf("unexpected member: %s", member)
	}
	// Negative priorities keep priority readable up front; the job id tail
	// may itself contain colons.
	member = readyMember(-3, 1, "urn:job:x")
	if member != "-3:00000000000000000001:urn:job:x" {
		t.Fatalf("unexpected member: %s", member)
	}
}

func TestJobFromHash(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	fields := map[string]string{
		"namespace":           "emails",
		"payload":             `{"to":"a@example.com"}`,
		"status":              "PENDING",
		"priority":            "7",
		"retry_count":         "1",
		"max_retries":         "3",
		"error_history":       `[{"message":"boom","timestamp":"2026-02-01T09:00:00Z"}]`,
		"enqueued_at_ms":      "1769936400000",
		"started_at_ms":       "0",
		"completed_at_ms":     "0",
		"expires_at_ms":       "0",
		"not_before_ms":       "0",
		"lease_expires_at_ms": "0",
		"seq":                 "42",
	}

	job, err := jobFromHash("job-1", fields)
	if err != nil {
		t.Fatalf("jobFromHash failed: %v", err)
	}
	if job.ID != "job-1" || job.Namespace != "emails" || job.Status != StatusPending {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Priority != 7 || job.RetryCount != 1 || job.MaxRetries != 3 || job.seq != 42 {
		t.Fatalf("unexpected numeric fields: %+v", job)
	}
	if job.Payload["to"] != "a@example.com" {
		t.Fatalf("unexpected payload: %+v", job.Payload)
	}
	if len(job.ErrorHistory) != 1 || job.ErrorHistory[0].Message != "boom" {
		t.Fatalf("unexpected history: %+v", job.ErrorHistory)
	}
	if !job.ErrorHistory[0].Timestamp.Equal(now) {
		t.Fatalf("unexpected history timestamp: %v", job.ErrorHistory[0].Timestamp)
	}
	if !job.StartedAt.IsZero() || !job.ExpiresAt.IsZero() {
		t.Fatal("zero ms fields must map to zero times")
	}

	fields["status"] = "BOGUS"
	if _, err := jobFromHash("job-1", fields); err == nil {
		t.Fatal("expected error for invalid status")
	}
	fields["status"] = "PENDING"
	fields["priority"] = "NaN"
	if _, err := jobFromHash("job-1", fields); err == nil {
		t.Fatal("expected error for unparsable priority")
	}
}

func TestTimeFromMsField(t *testing.T) {
	fields := map[string]string{"a": "1769936400000", "b": "0", "c": "", "d": "junk"}
	if got := timeFromMsField(fields, "a"); got.IsZero() {
		t.Fatal("expected parsed timestamp")
	}
	for _, name := range []string{"b", "c", "d", "missing"} {
		if got := timeFromMsField(fields, name); !got.IsZero() {
			t.Fatalf("field %q: expected zero time, got %v", name, got)
		}
	}
}
