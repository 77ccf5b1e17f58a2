package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/pkg/observability/logger"
	"github.com/quarrylabs/quarry/pkg/observability/tracing"
	"github.com/redis/go-redis/v9"
)

const (
	redisEngineName = "redis"

	defaultRedisPrefix           = "quarry"
	defaultRedisOperationTimeout = 5 * time.Second
	defaultRedisTransferBatch    = 100
)

// Ready members encode ordering inline so the promotion script never has to
// read the job hash: "<priority>:<zero-padded seq>:<job id>". The ready zset
// scores by negated priority; lexicographic member order breaks ties FIFO.
var (
	redisEnqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "namespace", ARGV[2], "payload", ARGV[3], "status", "PENDING",
  "priority", ARGV[4], "retry_count", "0", "max_retries", ARGV[5],
  "error_history", "[]", "enqueued_at_ms", ARGV[6], "started_at_ms", "0",
  "completed_at_ms", "0", "expires_at_ms", ARGV[7], "not_before_ms", "0",
  "lease_expires_at_ms", "0", "seq", ARGV[8])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[2])
redis.call("ZADD", KEYS[4], -tonumber(ARGV[4]), ARGV[9])
return 1
`)

	redisDequeueScript = redis.NewScript(`
local nowMs = tonumber(ARGV[2])
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", nowMs, "LIMIT", 0, tonumber(ARGV[3]))
for _, member in ipairs(due) do
  local pri = tonumber(string.match(member, "^(-?%d+):"))
  redis.call("ZADD", KEYS[2], -pri, member)
  redis.call("ZREM", KEYS[1], member)
end

while true do
  local entries = redis.call("ZRANGE", KEYS[2], 0, 0)
  if #entries == 0 then
    return false
  end
  local member = entries[1]
  redis.call("ZREM", KEYS[2], member)
  local jobID = string.match(member, "^-?%d+:%d+:(.+)$")
  if jobID then
    local key = ARGV[1] .. jobID
    local status = redis.call("HGET", key, "status")
    if status == "PENDING" then
      local notBefore = tonumber(redis.call("HGET", key, "not_before_ms") or "0") or 0
      local expires = tonumber(redis.call("HGET", key, "expires_at_ms") or "0") or 0
      if notBefore > nowMs then
        redis.call("ZADD", KEYS[1], notBefore, member)
      elseif expires == 0 or expires > nowMs then
        redis.call("HSET", key, "status", "PROCESSING",
          "started_at_ms", ARGV[2], "lease_expires_at_ms", nowMs + tonumber(ARGV[4]))
        return jobID
      end
    end
  end
end
`)

	redisCompleteScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return 0
end
if status ~= "PROCESSING" then
  return -1
end
local ok, data = pcall(cjson.decode, redis.call("HGET", KEYS[1], "payload"))
if not ok or type(data) ~= "table" then
  data = {}
end
data["result"] = cjson.decode(ARGV[1])
redis.call("HSET", KEYS[1], "payload", cjson.encode(data),
  "status", "COMPLETED", "completed_at_ms", ARGV[2], "lease_expires_at_ms", "0")
return 1
`)

	redisFailScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return 0
end
if status ~= "PROCESSING" then
  return -1
end
local ok, history = pcall(cjson.decode, redis.call("HGET", KEYS[1], "error_history"))
if not ok or type(history) ~= "table" then
  history = {}
end
table.insert(history, {message = ARGV[1], timestamp = ARGV[2]})
redis.call("HSET", KEYS[1], "error_history", cjson.encode(history), "lease_expires_at_ms", "0")
if ARGV[4] == "0" then
  redis.call("HSET", KEYS[1], "status", "FAILED", "completed_at_ms", ARGV[3])
  return 1
end
local retries = tonumber(redis.call("HGET", KEYS[1], "retry_count") or "0") + 1
redis.call("HSET", KEYS[1], "retry_count", retries)
local maxRetries = tonumber(redis.call("HGET", KEYS[1], "max_retries") or "0")
if retries > maxRetries then
  redis.call("HSET", KEYS[1], "status", "DEAD_LETTER", "completed_at_ms", ARGV[3], "not_before_ms", "0")
  return 2
end
local shift = retries
if shift > 30 then
  shift = 30
end
local notBefore = tonumber(ARGV[3]) + (2 ^ shift) * 1000
local pri = redis.call("HGET", KEYS[1], "priority") or "0"
local seq = redis.call("HGET", KEYS[1], "seq") or "0"
local member = pri .. ":" .. string.format("%020d", tonumber(seq)) .. ":" .. ARGV[5]
redis.call("HSET", KEYS[1], "status", "PENDING", "not_before_ms", notBefore)
redis.call("ZADD", KEYS[2], notBefore, member)
return 1
`)

	redisStalledScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "PROCESSING" then
  return 0
end
local lease = tonumber(redis.call("HGET", KEYS[1], "lease_expires_at_ms") or "0") or 0
local nowMs = tonumber(ARGV[2])
if lease == 0 or lease > nowMs then
  return 0
end
local ok, history = pcall(cjson.decode, redis.call("HGET", KEYS[1], "error_history"))
if not ok or type(history) ~= "table" then
  history = {}
end
table.insert(history, {message = ARGV[4], timestamp = ARGV[1]})
redis.call("HSET", KEYS[1], "error_history", cjson.encode(history), "lease_expires_at_ms", "0")
local retries = tonumber(redis.call("HGET", KEYS[1], "retry_count") or "0") + 1
redis.call("HSET", KEYS[1], "retry_count", retries)
local maxRetries = tonumber(redis.call("HGET", KEYS[1], "max_retries") or "0")
if retries > maxRetries then
  redis.call("HSET", KEYS[1], "status", "DEAD_LETTER", "completed_at_ms", ARGV[2], "not_before_ms", "0")
  return 2
end
local shift = retries
if shift > 30 then
  shift = 30
end
local notBefore = nowMs + (2 ^ shift) * 1000
local pri = redis.call("HGET", KEYS[1], "priority") or "0"
local seq = redis.call("HGET", KEYS[1], "seq") or "0"
local member = pri .. ":" .. string.format("%020d", tonumber(seq)) .. ":" .. ARGV[3]
redis.call("HSET", KEYS[1], "status", "PENDING", "not_before_ms", notBefore)
redis.call("ZADD", KEYS[2], notBefore, member)
return 1
`)

	redisExpireScript = redis.NewScript(`
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at_ms") or "0") or 0
if expires == 0 or expires > tonumber(ARGV[1]) then
  return 0
end
local pri = redis.call("HGET", KEYS[1], "priority") or "0"
local seq = redis.call("HGET", KEYS[1], "seq") or "0"
local member = pri .. ":" .. string.format("%020d", tonumber(seq)) .. ":" .. ARGV[2]
redis.call("ZREM", KEYS[3], member)
redis.call("ZREM", KEYS[4], member)
redis.call("SREM", KEYS[2], ARGV[2])
redis.call("DEL", KEYS[1])
return 1
`)

	redisRequeueDLQScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return 0
end
if status ~= "DEAD_LETTER" then
  return -1
end
redis.call("HSET", KEYS[1], "status", "PENDING", "retry_count", "0",
  "enqueued_at_ms", ARGV[1], "started_at_ms", "0", "completed_at_ms", "0",
  "not_before_ms", "0", "lease_expires_at_ms", "0", "seq", ARGV[3])
local pri = redis.call("HGET", KEYS[1], "priority") or "0"
local member = pri .. ":" .. string.format("%020d", tonumber(ARGV[3])) .. ":" .. ARGV[2]
redis.call("ZADD", KEYS[2], -tonumber(pri), member)
return 1
`)
)

// RedisEngineConfig configures the Redis-backed engine.
type RedisEngineConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	TransferBatch    int
	MaxRetries       int
	LeaseTTL         time.Duration
	NamespaceTTLs    map[string]time.Duration
}

func (c *RedisEngineConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.TransferBatch <= 0 {
		c.TransferBatch = defaultRedisTransferBatch
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
}

type redisDLQRecord struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	Namespace    string         `json:"namespace"`
	Payload      map[string]any `json:"payload"`
	ErrorHistory []ErrorEntry   `json:"error_history,omitempty"`
	Reason       string         `json:"reason"`
	FailedAt     time.Time      `json:"failed_at"`
}

// RedisEngine implements Queue over Redis hashes and sorted sets, so several
// processes can share one queue without caller changes.
type RedisEngine struct {
	client *redis.Client
	log    logger.Logger
	config RedisEngineConfig

	mu     sync.RWMutex
	closed bool
}

// NewRedisEngine creates a Redis-backed queue engine and verifies
// connectivity.
func NewRedisEngine(log logger.Logger, cfg RedisEngineConfig) (*RedisEngine, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return &RedisEngine{
		client: client,
		log:    log,
		config: cfg,
	}, nil
}

// Enqueue creates and stores a PENDING job in the namespace.
func (e *RedisEngine) Enqueue(ctx context.Context, namespace, jobID string, payload map[string]any, opts ...EnqueueOption) (*Job, error) {
	ctx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationEnqueue,
		tracing.WithQueueSystem(redisEngineName),
		tracing.WithQueueNamespace(namespace),
		tracing.WithQueueJobID(jobID),
	)
	defer span.End()

	job, err := e.enqueue(ctx, namespace, jobID, payload, opts...)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	tracing.RecordSuccess(span)
	return job, nil
}

func (e *RedisEngine) enqueue(ctx context.Context, namespace, jobID string, payload map[string]any, opts ...EnqueueOption) (*Job, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, queueError(ErrValidation, "namespace is required")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, queueError(ErrValidation, "job id is required")
	}

	options := enqueueOptions{maxRetries: e.config.MaxRetries}
	if ttl, ok := e.config.NamespaceTTLs[namespace]; ok {
		options.ttl = ttl
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.hasMaxRetries && options.maxRetries < 0 {
		return nil, queueError(ErrValidation, "max retries must be >= 0")
	}
	if options.ttl < 0 {
		return nil, queueError(ErrValidation, "ttl must be >= 0")
	}

	encodedPayload, err := json.Marshal(payloadOrEmpty(payload))
	if err != nil {
		return nil, queueError(ErrValidation, fmt.Sprintf("marshal payload failed: %v", err))
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	seq, err := e.client.Incr(opCtx, e.seqKey()).Uint64()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAtMs := int64(0)
	if options.ttl > 0 {
		expiresAtMs = now.Add(options.ttl).UnixMilli()
	}

	created, err := redisEnqueueScript.Run(opCtx, e.client,
		[]string{e.jobKey(jobID), e.namespaceKey(namespace), e.namespacesKey(), e.readyKey(namespace)},
		jobID, namespace, string(encodedPayload), options.priority, options.maxRetries,
		now.UnixMilli(), expiresAtMs, seq, readyMember(options.priority, seq, jobID),
	).Int()
	if err != nil {
		return nil, err
	}
	if created == 0 {
		return nil, queueError(ErrDuplicateJob, fmt.Sprintf("job %q already exists", jobID))
	}

	recordJobEnqueued(redisEngineName, namespace)
	job := &Job{
		ID:         jobID,
		Namespace:  namespace,
		Payload:    payloadOrEmpty(payload),
		Status:     StatusPending,
		Priority:   options.priority,
		MaxRetries: options.maxRetries,
		EnqueuedAt: now,
		seq:        seq,
	}
	if expiresAtMs > 0 {
		job.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	}
	return job, nil
}

// Dequeue pops the highest-priority eligible PENDING job and marks it
// PROCESSING. It returns (nil, nil) when the namespace has no eligible work.
func (e *RedisEngine) Dequeue(ctx context.Context, namespace string) (*Job, error) {
	ctx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationDequeue,
		tracing.WithQueueSystem(redisEngineName),
		tracing.WithQueueNamespace(namespace),
	)
	defer span.End()

	job, err := e.dequeue(ctx, namespace)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if job != nil {
		tracing.AddQueueJobID(span, job.ID)
	}
	tracing.RecordSuccess(span)
	return job, nil
}

func (e *RedisEngine) dequeue(ctx context.Context, namespace string) (*Job, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, queueError(ErrValidation, "namespace is required")
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	result, err := redisDequeueScript.Run(opCtx, e.client,
		[]string{e.delayedKey(namespace), e.readyKey(namespace)},
		e.jobKeyPrefix(), now.UnixMilli(), e.config.TransferBatch, e.config.LeaseTTL.Milliseconds(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID, ok := result.(string)
	if !ok || strings.TrimSpace(jobID) == "" {
		return nil, nil
	}

	job, err := e.fetchJob(opCtx, jobID)
	if err != nil {
		return nil, err
	}
	recordJobDequeued(redisEngineName, namespace)
	return job, nil
}

// Complete transitions a PROCESSING job to COMPLETED and merges result under
// the "result" payload key.
func (e *RedisEngine) Complete(ctx context.Context, jobID string, result any) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return queueError(ErrValidation, "job id is required")
	}

	encodedResult, err := json.Marshal(result)
	if err != nil {
		return queueError(ErrValidation, fmt.Sprintf("marshal result failed: %v", err))
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	outcome, err := redisCompleteScript.Run(opCtx, e.client,
		[]string{e.jobKey(jobID)},
		string(encodedResult), time.Now().UTC().UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	return e.transitionOutcome(outcome, jobID, "complete")
}

// Fail records one failed attempt and applies the escalation policy.
func (e *RedisEngine) Fail(ctx context.Context, jobID, message string, retry bool) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return queueError(ErrValidation, "job id is required")
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}
	outcome, err := redisFailScript.Run(opCtx, e.client,
		[]string{e.jobKey(jobID), e.delayedKeyForJob(opCtx, jobID)},
		message, now.Format(time.RFC3339Nano), now.UnixMilli(), retryFlag, jobID,
	).Int()
	if err != nil {
		return err
	}
	switch outcome {
	case 2:
		recordJobDeadLetter(redisEngineName, e.namespaceOfJob(opCtx, jobID))
		return e.saveDeadLetterEntry(opCtx, jobID, now)
	case 1:
		if retry {
			recordJobRetry(redisEngineName, e.namespaceOfJob(opCtx, jobID))
		}
		return nil
	default:
		return e.transitionOutcome(outcome, jobID, "fail")
	}
}

// GetJob returns the current state of one job.
func (e *RedisEngine) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, queueError(ErrValidation, "job id is required")
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()
	return e.fetchJob(opCtx, jobID)
}

// NamespaceJobs returns every record attributed to the namespace, ordered by
// enqueue time.
func (e *RedisEngine) NamespaceJobs(ctx context.Context, namespace string) ([]*Job, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, queueError(ErrValidation, "namespace is required")
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	ids, err := e.client.SMembers(opCtx, e.namespaceKey(namespace)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := e.fetchJob(opCtx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	sortJobsByAdmission(out)
	return out, nil
}

// DeadLetterList dumps the dead-letter register, oldest first.
func (e *RedisEngine) DeadLetterList(ctx context.Context) ([]*DeadLetterEntry, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	ids, err := e.client.ZRange(opCtx, e.dlqIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]*DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		raw, getErr := e.client.Get(opCtx, e.dlqEntryKey(id)).Result()
		if errors.Is(getErr, redis.Nil) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		var record redisDLQRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			e.log.Warn("discarding malformed dead-letter record", "entry_id", id, "error", err)
			continue
		}
		entries = append(entries, &DeadLetterEntry{
			ID:           record.ID,
			JobID:        record.JobID,
			Namespace:    record.Namespace,
			Payload:      record.Payload,
			ErrorHistory: record.ErrorHistory,
			Reason:       record.Reason,
			FailedAt:     record.FailedAt,
		})
	}
	return entries, nil
}

// RequeueDeadLetter explicitly re-admits one dead-lettered job with its
// retry count reset and removes the register entry.
func (e *RedisEngine) RequeueDeadLetter(ctx context.Context, jobID string) (*Job, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, queueError(ErrValidation, "job id is required")
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	entryID, err := e.client.Get(opCtx, e.dlqJobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, queueError(ErrJobNotFound, fmt.Sprintf("job %q is not in the dead-letter register", jobID))
	}
	if err != nil {
		return nil, err
	}

	namespace := e.namespaceOfJob(opCtx, jobID)
	if namespace == "" {
		return nil, queueError(ErrJobNotFound, fmt.Sprintf("job %q", jobID))
	}
	seq, err := e.client.Incr(opCtx, e.seqKey()).Uint64()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	outcome, err := redisRequeueDLQScript.Run(opCtx, e.client,
		[]string{e.jobKey(jobID), e.readyKey(namespace)},
		now.UnixMilli(), jobID, seq,
	).Int()
	if err != nil {
		return nil, err
	}
	if outcome != 1 {
		return nil, queueError(ErrJobNotFound, fmt.Sprintf("job %q is not in the dead-letter register", jobID))
	}

	_, err = e.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(opCtx, e.dlqIndexKey(), entryID)
		pipe.Del(opCtx, e.dlqEntryKey(entryID))
		pipe.Del(opCtx, e.dlqJobKey(jobID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("dead-lettered job requeued by operator", "job_id", jobID, "namespace", namespace, "entry_id", entryID)
	return e.fetchJob(opCtx, jobID)
}

// ClearExpired removes every record whose TTL elapsed at now, regardless of
// status.
func (e *RedisEngine) ClearExpired(ctx context.Context, now time.Time) (int, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	nowMs := now.UTC().UnixMilli()

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	namespaces, err := e.client.SMembers(opCtx, e.namespacesKey()).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, namespace := range namespaces {
		ids, err := e.client.SMembers(opCtx, e.namespaceKey(namespace)).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			outcome, err := redisExpireScript.Run(opCtx, e.client,
				[]string{e.jobKey(id), e.namespaceKey(namespace), e.readyKey(namespace), e.delayedKey(namespace)},
				nowMs, id,
			).Int()
			if err != nil {
				return removed, err
			}
			if outcome != 1 {
				continue
			}
			if err := e.dropDeadLetterEntry(opCtx, id); err != nil {
				return removed, err
			}
			removed++
		}
		remaining, err := e.client.SCard(opCtx, e.namespaceKey(namespace)).Result()
		if err == nil && remaining == 0 {
			_ = e.client.SRem(opCtx, e.namespacesKey(), namespace).Err()
		}
	}

	recordJobsExpired(redisEngineName, removed)
	if removed > 0 {
		e.log.Debug("expired records removed", "count", removed)
	}
	return removed, nil
}

// RequeueStalled pushes PROCESSING jobs whose lease elapsed at now back
// through the failure policy.
func (e *RedisEngine) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	nowUTC := now.UTC()

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	namespaces, err := e.client.SMembers(opCtx, e.namespacesKey()).Result()
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, namespace := range namespaces {
		ids, err := e.client.SMembers(opCtx, e.namespaceKey(namespace)).Result()
		if err != nil {
			return requeued, err
		}
		for _, id := range ids {
			outcome, err := redisStalledScript.Run(opCtx, e.client,
				[]string{e.jobKey(id), e.delayedKey(namespace)},
				nowUTC.Format(time.RFC3339Nano), nowUTC.UnixMilli(), id, stalledLeaseMessage,
			).Int()
			if err != nil {
				return requeued, err
			}
			if outcome == 0 {
				continue
			}
			e.log.Warn(stalledLeaseMessage, "job_id", id, "namespace", namespace)
			if outcome == 2 {
				recordJobDeadLetter(redisEngineName, namespace)
				if err := e.saveDeadLetterEntry(opCtx, id, nowUTC); err != nil {
					return requeued, err
				}
			}
			requeued++
		}
	}

	recordJobsStalled(redisEngineName, requeued)
	return requeued, nil
}

// Stats aggregates current store contents, computed fresh on every call.
func (e *RedisEngine) Stats(ctx context.Context) (*StatsSnapshot, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	namespaces, err := e.client.SMembers(opCtx, e.namespacesKey()).Result()
	if err != nil {
		return nil, err
	}

	snapshot := &StatsSnapshot{
		ByNamespace: map[string]int{},
		ByStatus:    map[Status]int{},
	}
	for _, namespace := range namespaces {
		ids, err := e.client.SMembers(opCtx, e.namespaceKey(namespace)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			status, err := e.client.HGet(opCtx, e.jobKey(id), "status").Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			snapshot.TotalJobs++
			snapshot.ByNamespace[namespace]++
			snapshot.ByStatus[Status(status)]++
		}
	}
	return snapshot, nil
}

// HealthCheck verifies Redis connectivity.
func (e *RedisEngine) HealthCheck(ctx context.Context) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := e.operationContext(ctx)
	defer cancel()
	return e.client.Ping(opCtx).Err()
}

// Close closes the Redis connection.
func (e *RedisEngine) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.client.Close()
}

func (e *RedisEngine) ensureOpen() error {
	if e == nil || e.client == nil {
		return ErrNotInitialized
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *RedisEngine) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.config.OperationTimeout)
}

func (e *RedisEngine) transitionOutcome(outcome int, jobID, operation string) error {
	switch outcome {
	case 1:
		return nil
	case 0:
		return queueError(ErrJobNotFound, fmt.Sprintf("job %q", jobID))
	case -1:
		return queueError(ErrInvalidTransition, fmt.Sprintf("%s requires PROCESSING job %q", operation, jobID))
	default:
		return fmt.Errorf("invalid transition outcome: %d", outcome)
	}
}

// saveDeadLetterEntry mirrors a freshly dead-lettered job into the register
// keys. Not atomic with the status flip; the entry is advisory operator
// metadata while the job hash stays authoritative.
func (e *RedisEngine) saveDeadLetterEntry(ctx context.Context, jobID string, failedAt time.Time) error {
	job, err := e.fetchJob(ctx, jobID)
	if err != nil {
		return err
	}
	reason := ""
	if n := len(job.ErrorHistory); n > 0 {
		reason = job.ErrorHistory[n-1].Message
	}
	record := redisDLQRecord{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		Namespace:    job.Namespace,
		Payload:      job.Payload,
		ErrorHistory: job.ErrorHistory,
		Reason:       reason,
		FailedAt:     failedAt,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}

	_, err = e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, e.dlqEntryKey(record.ID), string(encoded), 0)
		pipe.ZAdd(ctx, e.dlqIndexKey(), redis.Z{
			Score:  float64(failedAt.UnixMilli()),
			Member: record.ID,
		})
		pipe.Set(ctx, e.dlqJobKey(jobID), record.ID, 0)
		return nil
	})
	if err == nil {
		e.log.Warn("job moved to dead-letter register", "job_id", jobID, "namespace", job.Namespace, "reason", reason)
	}
	return err
}

func (e *RedisEngine) dropDeadLetterEntry(ctx context.Context, jobID string) error {
	entryID, err := e.client.Get(ctx, e.dlqJobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, e.dlqIndexKey(), entryID)
		pipe.Del(ctx, e.dlqEntryKey(entryID))
		pipe.Del(ctx, e.dlqJobKey(jobID))
		return nil
	})
	return err
}

func (e *RedisEngine) fetchJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := e.client.HGetAll(ctx, e.jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, queueError(ErrJobNotFound, fmt.Sprintf("job %q", jobID))
	}
	return jobFromHash(jobID, fields)
}

// namespaceOfJob is best-effort; callers use it for metric labels and
// ready-key construction after the job's existence was already proven.
func (e *RedisEngine) namespaceOfJob(ctx context.Context, jobID string) string {
	namespace, err := e.client.HGet(ctx, e.jobKey(jobID), "namespace").Result()
	if err != nil {
		return ""
	}
	return namespace
}

func (e *RedisEngine) delayedKeyForJob(ctx context.Context, jobID string) string {
	return e.delayedKey(e.namespaceOfJob(ctx, jobID))
}

func jobFromHash(jobID string, fields map[string]string) (*Job, error) {
	job := &Job{
		ID:        jobID,
		Namespace: fields["namespace"],
		Status:    Status(fields["status"]),
	}
	if !job.Status.Valid() {
		return nil, queueError(ErrValidation, fmt.Sprintf("job %q has invalid status %q", jobID, fields["status"]))
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, queueError(ErrValidation, fmt.Sprintf("decode payload of job %q failed: %v", jobID, err))
		}
	}
	if raw := fields["error_history"]; raw != "" && raw != "[]" {
		if err := json.Unmarshal([]byte(raw), &job.ErrorHistory); err != nil {
			return nil, queueError(ErrValidation, fmt.Sprintf("decode error history of job %q failed: %v", jobID, err))
		}
	}

	var err error
	if job.Priority, err = strconv.Atoi(defaultField(fields, "priority", "0")); err != nil {
		return nil, queueError(ErrValidation, fmt.Sprintf("job %q has invalid priority", jobID))
	}
	if job.RetryCount, err = strconv.Atoi(defaultField(fields, "retry_count", "0")); err != nil {
		return nil, queueError(ErrValidation, fmt.Sprintf("job %q has invalid retry count", jobID))
	}
	if job.MaxRetries, err = strconv.Atoi(defaultField(fields, "max_retries", "0")); err != nil {
		return nil, queueError(ErrValidation, fmt.Sprintf("job %q has invalid max retries", jobID))
	}
	if job.seq, err = strconv.ParseUint(defaultField(fields, "seq", "0"), 10, 64); err != nil {
		return nil, queueError(ErrValidation, fmt.Sprintf("job %q has invalid sequence", jobID))
	}

	job.EnqueuedAt = timeFromMsField(fields, "enqueued_at_ms")
	job.StartedAt = timeFromMsField(fields, "started_at_ms")
	job.CompletedAt = timeFromMsField(fields, "completed_at_ms")
	job.ExpiresAt = timeFromMsField(fields, "expires_at_ms")
	job.NotBefore = timeFromMsField(fields, "not_before_ms")
	job.LeaseExpiresAt = timeFromMsField(fields, "lease_expires_at_ms")
	return job, nil
}

func defaultField(fields map[string]string, name, fallback string) string {
	if value, ok := fields[name]; ok && value != "" {
		return value
	}
	return fallback
}

func timeFromMsField(fields map[string]string, name string) time.Time {
	ms, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func payloadOrEmpty(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return clonePayload(payload)
}

func readyMember(priority int, seq uint64, jobID string) string {
	return fmt.Sprintf("%d:%020d:%s", priority, seq, jobID)
}

func (e *RedisEngine) jobKey(jobID string) string {
	return e.jobKeyPrefix() + strings.TrimSpace(jobID)
}

func (e *RedisEngine) jobKeyPrefix() string {
	return e.prefix() + ":job:"
}

func (e *RedisEngine) namespaceKey(namespace string) string {
	return e.prefix() + ":ns:" + strings.TrimSpace(namespace)
}

func (e *RedisEngine) namespacesKey() string {
	return e.prefix() + ":namespaces"
}

func (e *RedisEngine) readyKey(namespace string) string {
	return e.prefix() + ":ns:" + strings.TrimSpace(namespace) + ":ready"
}

func (e *RedisEngine) delayedKey(namespace string) string {
	return e.prefix() + ":ns:" + strings.TrimSpace(namespace) + ":delayed"
}

func (e *RedisEngine) dlqIndexKey() string {
	return e.prefix() + ":dlq:index"
}

func (e *RedisEngine) dlqEntryKey(entryID string) string {
	return e.prefix() + ":dlq:entry:" + strings.TrimSpace(entryID)
}

func (e *RedisEngine) dlqJobKey(jobID string) string {
	return e.prefix() + ":dlq:job:" + strings.TrimSpace(jobID)
}

func (e *RedisEngine) seqKey() string {
	return e.prefix() + ":seq"
}

func (e *RedisEngine) prefix() string {
	return strings.TrimRight(strings.TrimSpace(e.config.Prefix), ":")
}
