// Package store provides the transaction/deduplication store: a keyed
// hash store abstraction with two interchangeable backends (Redis and an
// in-memory fallback) sharing identical atomic create/update/TTL
// semantics. All operations return a success indicator rather than
// panicking or leaking backend-specific errors across the boundary.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one transaction record's field set, matching the
// "transaction:<key>" schema: status, transaction_hash, exchange_id,
// created_at, updated_at, request_data, results, retry_count,
// ttl_seconds, plus whatever extra fields a caller writes (e.g. an entry
// record's "entry" and "run_id" fields).
type Record map[string]any

// Status-field accessors. Every Record produced by this package carries
// these keys; helpers guard against missing or mistyped values so
// callers never need type assertions.

// Status returns the record's "status" field, or "" if absent.
func (r Record) Status() string {
	s, _ := r["status"].(string)
	return s
}

// RunID returns the record's "run_id" field, or "" if absent.
func (r Record) RunID() string {
	s, _ := r["run_id"].(string)
	return s
}

// WorkflowKind returns the record's "workflow_kind" field, or "" if absent.
func (r Record) WorkflowKind() string {
	s, _ := r["workflow_kind"].(string)
	return s
}

// RetryCount returns the record's "retry_count" field, or 0 if absent or
// stored as a non-numeric type.
func (r Record) RetryCount() int {
	switch v := r["retry_count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Time parses the record's named timestamp field, tolerating both the
// native time.Time the in-memory backend stores and the RFC3339Nano
// string the Redis backend round-trips. Nil when absent or unparseable.
func (r Record) Time(key string) *time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return &v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return &t
		}
		return nil
	default:
		return nil
	}
}

// RequestData returns the record's "request_data" field re-encoded as
// JSON bytes. A backend may hand it back as raw bytes, a JSON string, or
// (Redis, which decodes structured fields eagerly) an already-parsed
// map; all three round-trip to the same bytes.
func (r Record) RequestData() []byte {
	switch v := r["request_data"].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case nil:
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return b
	}
}

// stampLifecycleTimes records when a run first entered RUNNING and when
// it reached a terminal status, so the status endpoint can report
// started_at/completed_at. A retry re-entering RUNNING keeps the first
// start time and clears the stale completion time.
func stampLifecycleTimes(rec Record, status string, now time.Time) {
	switch status {
	case "running":
		if rec.Time("started_at") == nil {
			rec["started_at"] = now.Format(time.RFC3339Nano)
		}
		// Overwrite rather than delete: a deleted key would survive the
		// Redis backend's field-wise write-back.
		rec["completed_at"] = ""
	case "completed", "failed", "cancelled":
		rec["completed_at"] = now.Format(time.RFC3339Nano)
	}
}

// Store is the keyed multi-field store abstraction: per-key hash
// get/set, per-key TTL, a multi-operation atomic batch for creation, and
// a keyspace scan filtered by status.
type Store interface {
	// CheckDuplicate looks up fingerprint in the hash index. No side effects.
	CheckDuplicate(ctx context.Context, fingerprint string) (runID string, found bool, err error)

	// CreateTransaction atomically writes payload to record key, sets its
	// TTL, writes hash_index[fingerprint]=key, and refreshes the index TTL
	// to match. Fails atomically or succeeds atomically.
	CreateTransaction(ctx context.Context, key, fingerprint string, payload Record, ttl time.Duration) (bool, error)

	// UpdateStatus reads the existing record (preserving unspecified
	// fields and the original TTL), shallow-merges results over the
	// existing results map (new wins), writes fields, and refreshes TTL.
	// The status write is validated against the run lifecycle DAG
	// (workflow.CanTransitionStatus); an illegal edge returns false
	// without touching the record.
	UpdateStatus(ctx context.Context, key, status string, results map[string]any) (bool, error)

	// GetTransaction returns the full record with JSON fields parsed.
	GetTransaction(ctx context.Context, key string) (Record, bool, error)

	// SetWorkflowStatus is a thin wrapper over UpdateStatus with no
	// results merge.
	SetWorkflowStatus(ctx context.Context, key, status string) (bool, error)

	// IncrementRetryCount bumps the record's retry_count field by one,
	// returning the new value. The record's TTL is left untouched.
	IncrementRetryCount(ctx context.Context, key string) (int, bool, error)

	// GetTransactionsByStatus performs a keyspace scan filtered by the
	// status field.
	GetTransactionsByStatus(ctx context.Context, status string) (map[string]Record, error)

	// Close releases any held resources (connections, background goroutines).
	Close() error
}
