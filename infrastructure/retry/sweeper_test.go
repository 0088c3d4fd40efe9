package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
	"github.com/arca/workflow-orchestrator/infrastructure/engine"
	"github.com/arca/workflow-orchestrator/infrastructure/events"
	"github.com/arca/workflow-orchestrator/infrastructure/orchestrator"
	"github.com/arca/workflow-orchestrator/infrastructure/store"
)

type okSession struct{}

func (okSession) Navigate(ctx context.Context, url string) error                { return nil }
func (okSession) FillForm(ctx context.Context, fields map[string]string) error  { return nil }
func (okSession) ExtractField(ctx context.Context, name string) (string, error) { return "0.00", nil }
func (okSession) Close(ctx context.Context) error                               { return nil }

type okFactory struct{}

func (okFactory) Acquire(ctx context.Context) (kinds.BrowserSession, error) { return okSession{}, nil }

type okRenderer struct{}

func (okRenderer) RenderPDF(ctx context.Context, fields map[string]any) ([]byte, error) {
	return []byte("pdf"), nil
}

func TestHasRetryableFailure_DetectsTransientInfrastructureKind(t *testing.T) {
	tests := map[string]struct {
		rec  store.Record
		want bool
	}{
		"no results": {
			rec:  store.Record{},
			want: false,
		},
		"results without error kinds": {
			rec:  store.Record{"results": map[string]any{"balance": "1200.50"}},
			want: false,
		},
		"native map[string]string with transient kind": {
			rec: store.Record{"results": map[string]any{
				orchestrator.ErrorKindsResultKey: map[string]string{"extract_balance": "TRANSIENT_INFRASTRUCTURE"},
			}},
			want: true,
		},
		"json-decoded map[string]any with transient kind": {
			rec: store.Record{"results": map[string]any{
				orchestrator.ErrorKindsResultKey: map[string]any{"extract_balance": "TRANSIENT_INFRASTRUCTURE"},
			}},
			want: true,
		},
		"non-retryable kind only": {
			rec: store.Record{"results": map[string]any{
				orchestrator.ErrorKindsResultKey: map[string]string{"authenticate": "BUSINESS_RULE"},
			}},
			want: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, hasRetryableFailure(tc.rec))
		})
	}
}

func TestSweeper_RetriesEligibleFailedRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = st.Close() })

	registry := kinds.NewRegistry(okFactory{}, okRenderer{})
	eng := engine.New(nil, nil).WithRetryDelay(0)
	orch := orchestrator.New(registry, eng, st, events.NewNoopPublisher(nil), nil, nil)
	sweeper := New(st, orch, registry, nil, nil)

	requestData := `{"credentials":{"cuit":"20429994323","password":"p"},"entries":[{"period_from":"01/2023","period_to":"12/2025","calculation_date":"15/09/2025","form_payment":"qr","expiration_date":"31/12/2025"}]}`
	_, _ = st.CreateTransaction(ctx, "run-1", "fp-1", store.Record{
		"status":        "failed",
		"workflow_kind": kinds.KindReconciliation,
		"request_data":  requestData,
		"retry_count":   0,
		"results": map[string]any{
			orchestrator.ErrorKindsResultKey: map[string]string{"authenticate": "TRANSIENT_INFRASTRUCTURE"},
		},
	}, time.Hour)

	stats, err := sweeper.Run(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, Stats{TotalFound: 1, RetryInitiated: 1, RetryFailed: 0}, stats)

	rec, found, err := st.GetTransaction(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, rec.RetryCount())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, _, _ = st.GetTransaction(ctx, "run-1")
		if rec.Status() == "completed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "completed", rec.Status())
}

func TestSweeper_SkipsRunAtRetryCeilingAndNonRetryableKinds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = st.Close() })

	sweeper := New(st, nil, kinds.NewRegistry(okFactory{}, okRenderer{}), nil, nil)

	_, _ = st.CreateTransaction(ctx, "run-exhausted", "fp-1", store.Record{
		"status":        "failed",
		"workflow_kind": kinds.KindReconciliation,
		"retry_count":   3,
		"results": map[string]any{
			orchestrator.ErrorKindsResultKey: map[string]string{"authenticate": "TRANSIENT_INFRASTRUCTURE"},
		},
	}, time.Hour)
	_, _ = st.CreateTransaction(ctx, "run-business", "fp-2", store.Record{
		"status":        "failed",
		"workflow_kind": kinds.KindReconciliation,
		"retry_count":   0,
		"results": map[string]any{
			orchestrator.ErrorKindsResultKey: map[string]string{"authenticate": "BUSINESS_RULE"},
		},
	}, time.Hour)

	stats, err := sweeper.Run(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, Stats{TotalFound: 2, RetryInitiated: 0, RetryFailed: 0}, stats)
}

func TestSweeper_CronLoopRejectsInvalidSchedule(t *testing.T) {
	s := New(store.NewMemoryStore(time.Minute), nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.CronLoop(ctx, "not a cron schedule", 3)
	require.Error(t, err)
}
