package store

import (
	"context"
	"sync"
	"time"

	"github.com/arca/workflow-orchestrator/domain/workflow"
)

// entry pairs a Record with its expiration, adapted from
// infrastructure/cache's versioned TTL entries.
type entry struct {
	record     Record
	expiresAt  time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is the in-process fallback backend: a mutex-guarded map
// holding both store namespaces (transaction records and the
// fingerprint->key index), with a background cleanup ticker evicting
// expired entries. Semantics are identical to the Redis backend; both
// pass the same test suite.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]entry
	index   map[string]entry // fingerprint -> {record: {"key": ...}, expiresAt}

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore creates an in-memory Store with a background cleanup
// goroutine evicting expired entries every cleanupInterval (default 1m).
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryStore{
		records:         make(map[string]entry),
		index:           make(map[string]entry),
		cleanupInterval: cleanupInterval,
		stop:            make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.records {
		if e.expired(now) {
			delete(s.records, k)
		}
	}
	for k, e := range s.index {
		if e.expired(now) {
			delete(s.index, k)
		}
	}
}

// CheckDuplicate looks up fingerprint in the index under lock, skipping
// expired entries.
func (s *MemoryStore) CheckDuplicate(ctx context.Context, fingerprint string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.index[fingerprint]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	key, _ := e.record["key"].(string)
	return key, key != "", nil
}

// CreateTransaction writes the record and index entry under a single
// lock, making the batch atomic by construction in a single process.
func (s *MemoryStore) CreateTransaction(ctx context.Context, key, fingerprint string, payload Record, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	rec := make(Record, len(payload))
	for k, v := range payload {
		rec[k] = v
	}

	s.records[key] = entry{record: rec, expiresAt: expiresAt}
	s.index[fingerprint] = entry{record: Record{"key": key}, expiresAt: expiresAt}
	return true, nil
}

// UpdateStatus preserves unspecified fields and the original TTL,
// shallow-merging results (new wins) over the stored results map.
func (s *MemoryStore) UpdateStatus(ctx context.Context, key, status string, results map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}

	if !workflow.CanTransitionStatus(workflow.RunStatus(e.record.Status()), workflow.RunStatus(status)) {
		return false, nil
	}

	e.record["status"] = status

	existing, _ := e.record["results"].(map[string]any)
	merged := make(map[string]any, len(existing)+len(results))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range results {
		merged[k] = v
	}
	e.record["results"] = merged
	now := time.Now()
	e.record["updated_at"] = now
	stampLifecycleTimes(e.record, status, now)

	s.records[key] = e
	return true, nil
}

// SetWorkflowStatus is a thin wrapper over UpdateStatus with no results merge.
func (s *MemoryStore) SetWorkflowStatus(ctx context.Context, key, status string) (bool, error) {
	return s.UpdateStatus(ctx, key, status, nil)
}

// IncrementRetryCount bumps retry_count by one under the store lock.
func (s *MemoryStore) IncrementRetryCount(ctx context.Context, key string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key]
	if !ok || e.expired(time.Now()) {
		return 0, false, nil
	}

	n := e.record.RetryCount() + 1
	e.record["retry_count"] = n
	e.record["updated_at"] = time.Now()
	s.records[key] = e
	return n, true, nil
}

// GetTransaction returns a copy of the stored record.
func (s *MemoryStore) GetTransaction(ctx context.Context, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	return cloneRecord(e.record), true, nil
}

// GetTransactionsByStatus scans every live record for status == state.
func (s *MemoryStore) GetTransactionsByStatus(ctx context.Context, state string) (map[string]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make(map[string]Record)
	for key, e := range s.records {
		if e.expired(now) {
			continue
		}
		if e.record.Status() == state {
			out[key] = cloneRecord(e.record)
		}
	}
	return out, nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
