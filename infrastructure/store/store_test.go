package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// backends returns each of the two implementations under test, keyed by
// name; their cleanup is registered on t.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(time.Minute),
		"redis":  NewRedisStore(client, nil),
	}
}

func TestStore_CreateThenCheckDuplicate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.CreateTransaction(ctx, "run-1", "fp-1", Record{"status": "created", "run_id": "run-1"}, time.Hour)
			require.NoError(t, err)
			require.True(t, ok)

			runID, found, err := s.CheckDuplicate(ctx, "fp-1")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "run-1", runID)
		})
	}
}

func TestStore_CheckDuplicateMissReturnsNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := s.CheckDuplicate(context.Background(), "never-inserted")
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}

func TestStore_UpdateStatusMergesResultsAndPreservesFields(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.CreateTransaction(ctx, "run-1", "fp-1", Record{
				"status":          "running",
				"transaction_hash": "fp-1",
				"results":         map[string]any{"existing": "keep"},
			}, time.Hour)
			require.NoError(t, err)

			ok, err := s.UpdateStatus(ctx, "run-1", "completed", map[string]any{"pdf": "base64"})
			require.NoError(t, err)
			require.True(t, ok)

			rec, found, err := s.GetTransaction(ctx, "run-1")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "completed", rec.Status())
			require.Equal(t, "fp-1", rec["transaction_hash"])

			results, _ := rec["results"].(map[string]any)
			require.Equal(t, "keep", results["existing"])
			require.Equal(t, "base64", results["pdf"])
		})
	}
}

func TestStore_UpdateStatusOnMissingKeyReturnsFalse(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.UpdateStatus(context.Background(), "does-not-exist", "failed", nil)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStore_SetWorkflowStatusIsUpdateStatusWithoutResults(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.CreateTransaction(ctx, "run-1", "fp-1", Record{"status": "pending"}, time.Hour)

			ok, err := s.SetWorkflowStatus(ctx, "run-1", "running")
			require.NoError(t, err)
			require.True(t, ok)

			rec, _, _ := s.GetTransaction(ctx, "run-1")
			require.Equal(t, "running", rec.Status())
		})
	}
}

func TestStore_GetTransactionsByStatusFiltersCorrectly(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.CreateTransaction(ctx, "run-1", "fp-1", Record{"status": "failed"}, time.Hour)
			_, _ = s.CreateTransaction(ctx, "run-2", "fp-2", Record{"status": "completed"}, time.Hour)
			_, _ = s.CreateTransaction(ctx, "run-3", "fp-3", Record{"status": "failed"}, time.Hour)

			failed, err := s.GetTransactionsByStatus(ctx, "failed")
			require.NoError(t, err)
			require.Len(t, failed, 2)
			require.Contains(t, failed, "run-1")
			require.Contains(t, failed, "run-3")
		})
	}
}

func TestStore_LifecycleTimestampsStamped(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.CreateTransaction(ctx, "run-1", "fp-1", Record{"status": "created"}, time.Hour)

			_, _ = s.SetWorkflowStatus(ctx, "run-1", "running")
			rec, _, _ := s.GetTransaction(ctx, "run-1")
			started := rec.Time("started_at")
			require.NotNil(t, started)
			require.Nil(t, rec.Time("completed_at"))

			_, _ = s.SetWorkflowStatus(ctx, "run-1", "completed")
			rec, _, _ = s.GetTransaction(ctx, "run-1")
			completed := rec.Time("completed_at")
			require.NotNil(t, completed)
			require.False(t, completed.Before(*started))

			// A retry re-enters running through pending, keeping the
			// original start time and clearing the stale completion time.
			_, _ = s.SetWorkflowStatus(ctx, "run-1", "pending")
			_, _ = s.SetWorkflowStatus(ctx, "run-1", "running")
			rec, _, _ = s.GetTransaction(ctx, "run-1")
			require.Equal(t, started.UnixNano(), rec.Time("started_at").UnixNano())
			require.Nil(t, rec.Time("completed_at"))
		})
	}
}

func TestStore_UpdateStatusRejectsIllegalTransition(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.CreateTransaction(ctx, "run-1", "fp-1", Record{"status": "completed"}, time.Hour)

			// A terminal state absorbs everything except the retry
			// re-entry into pending.
			ok, err := s.SetWorkflowStatus(ctx, "run-1", "running")
			require.NoError(t, err)
			require.False(t, ok)

			rec, _, _ := s.GetTransaction(ctx, "run-1")
			require.Equal(t, "completed", rec.Status())

			ok, err = s.SetWorkflowStatus(ctx, "run-1", "pending")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestStore_IncrementRetryCount(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.CreateTransaction(ctx, "run-1", "fp-1", Record{"status": "failed", "retry_count": 0}, time.Hour)

			n, found, err := s.IncrementRetryCount(ctx, "run-1")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, 1, n)

			n, found, err = s.IncrementRetryCount(ctx, "run-1")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, 2, n)

			rec, _, _ := s.GetTransaction(ctx, "run-1")
			require.Equal(t, 2, rec.RetryCount())
		})
	}
}

func TestStore_IncrementRetryCountMissingKeyReturnsNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := s.IncrementRetryCount(context.Background(), "ghost")
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}

func TestStore_GetTransactionMissingReturnsNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := s.GetTransaction(context.Background(), "ghost")
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}
