package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arca/workflow-orchestrator/domain/workflow"
	"github.com/arca/workflow-orchestrator/infrastructure/logging"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
	"github.com/arca/workflow-orchestrator/infrastructure/resilience"
)

// indexHashKey is the single keyed-hash namespace mapping any known
// fingerprint (workflow or entry) to its run id / record key.
const indexHashKey = "transaction_hashes"

// RedisStore is the primary Store backend, pipelining the atomic batch
// required by CreateTransaction and wrapped in a circuit breaker so a
// flapping Redis node fails fast instead of hanging every intake call.
type RedisStore struct {
	client  *redis.Client
	cb      *resilience.CircuitBreaker
	logger  *logging.Logger
	metrics *metrics.Metrics
	prefix  string
}

// NewRedisStore wraps an existing go-redis client. logger may be nil.
func NewRedisStore(client *redis.Client, logger *logging.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		cb:     resilience.New(resilience.DefaultConfig()),
		logger: logger,
		prefix: "transaction:",
	}
}

// WithMetrics enables per-operation outcome counters and latency
// histograms for this backend.
func (s *RedisStore) WithMetrics(m *metrics.Metrics) *RedisStore {
	s.metrics = m
	return s
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) warn(op string, err error) {
	if s.logger != nil {
		s.logger.WithFields(map[string]interface{}{"operation": op}).WithError(err).Warn("store operation failed")
	}
}

// track records op's outcome and latency when metrics are enabled.
func (s *RedisStore) track(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordStoreOperation("redis", op, status, time.Since(start))
}

// CheckDuplicate performs a single HGet against the index hash.
func (s *RedisStore) CheckDuplicate(ctx context.Context, fingerprint string) (string, bool, error) {
	start := time.Now()
	var runID string
	err := s.cb.Execute(ctx, func() error {
		v, gerr := s.client.HGet(ctx, indexHashKey, fingerprint).Result()
		if gerr == redis.Nil {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		runID = v
		return nil
	})
	s.track("check_duplicate", start, err)
	if err != nil {
		s.warn("check_duplicate", err)
		return "", false, nil
	}
	return runID, runID != "", nil
}

// CreateTransaction pipelines HSet+Expire on the record and HSet+Expire
// on the index so the four writes commit or fail together.
func (s *RedisStore) CreateTransaction(ctx context.Context, key, fingerprint string, payload Record, ttl time.Duration) (bool, error) {
	start := time.Now()
	fields, encErr := encodeFields(payload)
	if encErr != nil {
		s.warn("create_transaction.encode", encErr)
		return false, nil
	}

	err := s.cb.Execute(ctx, func() error {
		fullKey := s.key(key)
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, fullKey, fields)
		pipe.Expire(ctx, fullKey, ttl)
		pipe.HSet(ctx, indexHashKey, fingerprint, key)
		pipe.Expire(ctx, indexHashKey, ttl)
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
	s.track("create_transaction", start, err)
	if err != nil {
		s.warn("create_transaction", err)
		return false, nil
	}
	return true, nil
}

// UpdateStatus reads the record, preserving its current TTL, shallow
// merges results over the stored ones, and writes the record back.
func (s *RedisStore) UpdateStatus(ctx context.Context, key, status string, results map[string]any) (bool, error) {
	start := time.Now()
	ok := false
	err := s.cb.Execute(ctx, func() error {
		fullKey := s.key(key)

		ttl, ttlErr := s.client.TTL(ctx, fullKey).Result()
		if ttlErr != nil {
			return ttlErr
		}

		raw, getErr := s.client.HGetAll(ctx, fullKey).Result()
		if getErr != nil {
			return getErr
		}
		if len(raw) == 0 {
			return nil // not found; ok stays false, not an error
		}

		existing := decodeFields(raw)
		if !workflow.CanTransitionStatus(workflow.RunStatus(existing.Status()), workflow.RunStatus(status)) {
			s.warn("update_status", fmt.Errorf("illegal status transition %s -> %s for %s", existing.Status(), status, key))
			return nil // ok stays false; an out-of-order write is refused, not an error
		}

		existingResults, _ := existing["results"].(map[string]any)
		merged := make(map[string]any, len(existingResults)+len(results))
		for k, v := range existingResults {
			merged[k] = v
		}
		for k, v := range results {
			merged[k] = v
		}

		existing["status"] = status
		existing["results"] = merged
		now := time.Now()
		existing["updated_at"] = now.Format(time.RFC3339Nano)
		stampLifecycleTimes(existing, status, now)

		fields, encErr := encodeFields(existing)
		if encErr != nil {
			return encErr
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, fullKey, fields)
		if ttl > 0 {
			pipe.Expire(ctx, fullKey, ttl)
		}
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return execErr
		}
		ok = true
		return nil
	})
	s.track("update_status", start, err)
	if err != nil {
		s.warn("update_status", err)
		return false, nil
	}
	return ok, nil
}

// SetWorkflowStatus is a thin wrapper over UpdateStatus with no results merge.
func (s *RedisStore) SetWorkflowStatus(ctx context.Context, key, status string) (bool, error) {
	return s.UpdateStatus(ctx, key, status, nil)
}

// IncrementRetryCount bumps retry_count with HIncrBy, which neither
// creates a record (existence is checked first) nor disturbs its TTL.
func (s *RedisStore) IncrementRetryCount(ctx context.Context, key string) (int, bool, error) {
	start := time.Now()
	var count int
	found := false
	err := s.cb.Execute(ctx, func() error {
		fullKey := s.key(key)
		exists, exErr := s.client.Exists(ctx, fullKey).Result()
		if exErr != nil {
			return exErr
		}
		if exists == 0 {
			return nil
		}
		n, incErr := s.client.HIncrBy(ctx, fullKey, "retry_count", 1).Result()
		if incErr != nil {
			return incErr
		}
		count = int(n)
		found = true
		return nil
	})
	s.track("increment_retry_count", start, err)
	if err != nil {
		s.warn("increment_retry_count", err)
		return 0, false, nil
	}
	return count, found, nil
}

// GetTransaction returns the full record with JSON fields parsed.
func (s *RedisStore) GetTransaction(ctx context.Context, key string) (Record, bool, error) {
	start := time.Now()
	var rec Record
	found := false
	err := s.cb.Execute(ctx, func() error {
		raw, getErr := s.client.HGetAll(ctx, s.key(key)).Result()
		if getErr != nil {
			return getErr
		}
		if len(raw) == 0 {
			return nil
		}
		rec = decodeFields(raw)
		found = true
		return nil
	})
	s.track("get_transaction", start, err)
	if err != nil {
		s.warn("get_transaction", err)
		return nil, false, nil
	}
	return rec, found, nil
}

// GetTransactionsByStatus scans the transaction:* keyspace and filters by
// the status field.
func (s *RedisStore) GetTransactionsByStatus(ctx context.Context, state string) (map[string]Record, error) {
	start := time.Now()
	out := make(map[string]Record)
	err := s.cb.Execute(ctx, func() error {
		iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			fullKey := iter.Val()
			raw, getErr := s.client.HGetAll(ctx, fullKey).Result()
			if getErr != nil {
				continue
			}
			rec := decodeFields(raw)
			if rec.Status() == state {
				out[strings.TrimPrefix(fullKey, s.prefix)] = rec
			}
		}
		return iter.Err()
	})
	s.track("get_transactions_by_status", start, err)
	if err != nil {
		s.warn("get_transactions_by_status", err)
		return map[string]Record{}, nil
	}
	return out, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// encodeFields renders a Record's values into the flat string/scalar map
// HSet expects, JSON-encoding anything that isn't already a Redis scalar.
func encodeFields(payload Record) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string, int, int64, float64, bool:
			fields[k] = val
		case time.Time:
			fields[k] = val.Format(time.RFC3339Nano)
		case nil:
			fields[k] = ""
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode field %q: %w", k, err)
			}
			fields[k] = string(b)
		}
	}
	return fields, nil
}

// decodeFields parses an HGetAll result back into a Record, JSON-decoding
// the known structured fields.
func decodeFields(raw map[string]string) Record {
	rec := make(Record, len(raw))
	for k, v := range raw {
		switch k {
		case "results", "request_data":
			var parsed any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				rec[k] = parsed
				continue
			}
			rec[k] = v
		case "retry_count", "ttl_seconds":
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				rec[k] = n
				continue
			}
			rec[k] = v
		default:
			rec[k] = v
		}
	}
	return rec
}
