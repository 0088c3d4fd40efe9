package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
	"github.com/arca/workflow-orchestrator/infrastructure/engine"
	"github.com/arca/workflow-orchestrator/infrastructure/events"
	"github.com/arca/workflow-orchestrator/infrastructure/store"
)

type okSession struct{}

func (okSession) Navigate(ctx context.Context, url string) error                { return nil }
func (okSession) FillForm(ctx context.Context, fields map[string]string) error  { return nil }
func (okSession) ExtractField(ctx context.Context, name string) (string, error) { return "100.00", nil }
func (okSession) Close(ctx context.Context) error                               { return nil }

type okFactory struct{}

func (okFactory) Acquire(ctx context.Context) (kinds.BrowserSession, error) { return okSession{}, nil }

type okRenderer struct{}

func (okRenderer) RenderPDF(ctx context.Context, fields map[string]any) ([]byte, error) {
	return []byte("pdf"), nil
}

func newTestOrchestrator() (*Orchestrator, store.Store) {
	registry := kinds.NewRegistry(okFactory{}, okRenderer{})
	eng := engine.New(nil, nil).WithRetryDelay(0)
	st := store.NewMemoryStore(time.Minute)
	pub := events.NewNoopPublisher(nil)
	return New(registry, eng, st, pub, nil, nil), st
}

func waitForTerminal(t *testing.T, st store.Store, runID string) store.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, found, err := st.GetTransaction(context.Background(), runID)
		require.NoError(t, err)
		if found && (rec.Status() == "completed" || rec.Status() == "failed") {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state in time")
	return nil
}

func TestOrchestrator_DeclarationSingleLaunchCompletes(t *testing.T) {
	o, st := newTestOrchestrator()
	ctx := context.Background()
	runID := "run-decl-1"

	_, _ = st.CreateTransaction(ctx, runID, "fp-1", store.Record{"status": "created", "run_id": runID}, time.Hour)

	o.BeginGroup(runID, kinds.KindDeclaration, 1)
	err := o.ExecuteWorkflowAsync(ctx, kinds.KindDeclaration, runID, Params{
		Credentials: kinds.Credentials{CUIT: "20111111112"},
		Entries: []kinds.DeclarationEntry{
			{CUIT: "20111111112", FormNumber: "931", FiscalPeriod: "202501", Amount: 10, TaxCode: "10", FormPayment: "qr"},
		},
	})
	require.NoError(t, err)

	rec := waitForTerminal(t, st, runID)
	assert.Equal(t, "completed", rec.Status())
}

func TestOrchestrator_ReconciliationMultiLaunchWaitsForAll(t *testing.T) {
	o, st := newTestOrchestrator()
	ctx := context.Background()
	runID := "run-recon-1"

	_, _ = st.CreateTransaction(ctx, runID, "fp-2", store.Record{"status": "created", "run_id": runID}, time.Hour)

	o.BeginGroup(runID, kinds.KindReconciliation, 2)
	for i := 0; i < 2; i++ {
		err := o.ExecuteWorkflowAsync(ctx, kinds.KindReconciliation, runID, Params{
			Credentials: kinds.Credentials{CUIT: "20111111112"},
			Entry: kinds.ReconciliationEntry{
				PeriodFrom: "01/2023", PeriodTo: "12/2025", CalculationDate: "15/09/2025",
				FormPayment: "qr", ExpirationDate: "31/12/2025",
			},
		})
		require.NoError(t, err)
	}

	rec := waitForTerminal(t, st, runID)
	assert.Equal(t, "completed", rec.Status())

	groupsInFlight, _ := o.Stats()
	assert.Equal(t, 0, groupsInFlight)
}

func TestOrchestrator_UnknownKindReturnsError(t *testing.T) {
	o, _ := newTestOrchestrator()
	err := o.ExecuteWorkflowAsync(context.Background(), "unknown-kind", "run-x", Params{})
	require.Error(t, err)
}

type countingCapacity struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCapacity) EnsureCapacity(ctx context.Context, sessionsNeeded int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingCapacity) AcquireSession(ctx context.Context) error { return nil }

func (c *countingCapacity) ReleaseSession() {}

func (c *countingCapacity) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestOrchestrator_ConsultsCapacityBeforeEachLaunch(t *testing.T) {
	o, st := newTestOrchestrator()
	capacity := &countingCapacity{}
	o.WithCapacity(capacity)

	ctx := context.Background()
	runID := "run-capacity-1"
	_, _ = st.CreateTransaction(ctx, runID, "fp-cap", store.Record{"status": "created", "run_id": runID}, time.Hour)

	o.BeginGroup(runID, kinds.KindDeclaration, 1)
	err := o.ExecuteWorkflowAsync(ctx, kinds.KindDeclaration, runID, Params{
		Credentials: kinds.Credentials{CUIT: "20111111112"},
		Entries: []kinds.DeclarationEntry{
			{CUIT: "20111111112", FormNumber: "931", FiscalPeriod: "202501", Amount: 10, TaxCode: "10", FormPayment: "qr"},
		},
	})
	require.NoError(t, err)

	waitForTerminal(t, st, runID)
	assert.Equal(t, 1, capacity.count())
}

func TestSummarizeErrors_DeterministicOrder(t *testing.T) {
	a := summarizeErrors(map[string]string{"b": "2", "a": "1"})
	b := summarizeErrors(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, "a: 1; b: 2", a)
}
