// Package queue implements a namespaced, priority-ordered job queue with
// at-least-once delivery. Producers enqueue jobs into independent
// namespaces; consumers dequeue the highest-priority eligible job, then
// acknowledge the attempt with Complete or Fail. Failed attempts are
// retried with exponential backoff up to a per-job budget, after which the
// job is parked in a dead-letter register for operator inspection.
//
// Two engines implement the Queue interface: MemoryEngine keeps all state
// in process memory, RedisEngine shares state between processes through
// Redis. Worker polls a set of namespaces and dispatches jobs to
// registered handlers; Janitor periodically removes expired records and
// requeues jobs whose processing lease elapsed.
package queue
