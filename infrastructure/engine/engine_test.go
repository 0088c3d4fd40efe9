package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arca/workflow-orchestrator/domain/workflow"
)

func ok(bool) workflow.Handler {
	return func(ctx context.Context, shared *workflow.Shared) (bool, error) {
		return true, nil
	}
}

func TestEngine_CompletesWhenAllRequiredStepsSucceed(t *testing.T) {
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "a", Required: true, Handler: ok(true)},
		{Name: "b", Required: true, DependsOn: []string{"a"}, Handler: ok(true)},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, res.Status)
	assert.Equal(t, workflow.StepCompleted, res.StepStatuses["a"])
	assert.Equal(t, workflow.StepCompleted, res.StepStatuses["b"])
}

func TestEngine_NonRequiredFailureDoesNotFailRun(t *testing.T) {
	// A non-required step fails, a required step after it succeeds.
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "optional", Required: false, RetryCount: 1, Handler: func(ctx context.Context, s *workflow.Shared) (bool, error) {
			return false, errors.New("boom")
		}},
		{Name: "required", Required: true, Handler: ok(true)},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, res.Status)
	assert.Equal(t, workflow.StepFailed, res.StepStatuses["optional"])
	assert.Contains(t, res.Errors, "optional")
	assert.Equal(t, workflow.StepCompleted, res.StepStatuses["required"])
}

func TestEngine_RequiredFailureAbortsRemainingSteps(t *testing.T) {
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "a", Required: true, RetryCount: 1, Handler: func(ctx context.Context, s *workflow.Shared) (bool, error) {
			return false, errors.New("fatal")
		}},
		{Name: "b", Required: true, Handler: ok(true)},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunFailed, res.Status)
	assert.Equal(t, workflow.StepFailed, res.StepStatuses["a"])
	assert.Equal(t, workflow.StepPending, res.StepStatuses["b"], "step after an aborting failure should never run")
}

func TestEngine_SkipsStepWhoseDependencyFailed(t *testing.T) {
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "a", Required: false, RetryCount: 1, Handler: func(ctx context.Context, s *workflow.Shared) (bool, error) {
			return false, errors.New("down")
		}},
		{Name: "b", Required: false, DependsOn: []string{"a"}, Handler: ok(true)},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepFailed, res.StepStatuses["a"])
	assert.Equal(t, workflow.StepSkipped, res.StepStatuses["b"])
}

func TestEngine_SkipPropagatesThroughSkippedDependencies(t *testing.T) {
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "a", Required: false, RetryCount: 1, Handler: func(ctx context.Context, s *workflow.Shared) (bool, error) {
			return false, errors.New("down")
		}},
		{Name: "b", Required: false, DependsOn: []string{"a"}, Handler: ok(true)},
		{Name: "c", Required: false, DependsOn: []string{"b"}, Handler: ok(true)},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, res.Status)
	assert.Equal(t, workflow.StepSkipped, res.StepStatuses["b"])
	assert.Equal(t, workflow.StepSkipped, res.StepStatuses["c"])
}

func TestEngine_CyclicDependencyFailsFast(t *testing.T) {
	// A depends on B, B depends on A.
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "a", Required: true, DependsOn: []string{"b"}, Handler: ok(true)},
		{Name: "b", Required: true, DependsOn: []string{"a"}, Handler: ok(true)},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunFailed, res.Status)
	assert.Contains(t, res.Errors["orchestrator"], "cyclic dependency")
	assert.Equal(t, workflow.StepPending, res.StepStatuses["a"], "no step should have entered running")
	assert.Equal(t, workflow.StepPending, res.StepStatuses["b"])
}

func TestEngine_RetriesExhaustedMarksFailed(t *testing.T) {
	attempts := 0
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "flaky", Required: true, RetryCount: 3, Handler: func(ctx context.Context, s *workflow.Shared) (bool, error) {
			attempts++
			return false, errors.New("transient")
		}},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, workflow.RunFailed, res.Status)
}

func TestEngine_RetrySucceedsBeforeExhaustion(t *testing.T) {
	attempts := 0
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "flaky", Required: true, RetryCount: 3, Handler: func(ctx context.Context, s *workflow.Shared) (bool, error) {
			attempts++
			if attempts < 2 {
				return false, errors.New("transient")
			}
			return true, nil
		}},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, workflow.RunCompleted, res.Status)
}

func TestEngine_TimeoutCountsAsFailedAttempt(t *testing.T) {
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "slow", Required: true, RetryCount: 1, TimeoutSeconds: 1, Handler: func(ctx context.Context, s *workflow.Shared) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	start := time.Now()
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, workflow.RunFailed, res.Status)
	assert.Contains(t, res.Errors["slow"], "timed out")
}

func TestEngine_CopiesOnlyAllowListedResults(t *testing.T) {
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "a", Required: true, Handler: func(ctx context.Context, s *workflow.Shared) (bool, error) {
			s.Set("pdf", "base64-data")
			s.Set("session_handle", "internal-handle")
			return true, nil
		}},
	}}
	e := New(nil, nil).WithRetryDelay(0)
	res, err := e.Execute(context.Background(), wf, workflow.NewShared(), workflow.ResultsAllowList{"pdf"})
	require.NoError(t, err)
	assert.Equal(t, "base64-data", res.Results["pdf"])
	assert.NotContains(t, res.Results, "session_handle")
}

func TestEngine_CleanupAlwaysRuns(t *testing.T) {
	wf := &workflow.Workflow{Kind: "account-reconciliation", Steps: []workflow.Step{
		{Name: "a", Required: true, DependsOn: []string{"b"}, Handler: ok(true)},
		{Name: "b", Required: true, DependsOn: []string{"a"}, Handler: ok(true)},
	}}
	shared := workflow.NewShared()
	cleaned := false
	shared.OnCleanup(func() { cleaned = true })

	e := New(nil, nil).WithRetryDelay(0)
	_, err := e.Execute(context.Background(), wf, shared, nil)
	require.NoError(t, err)
	assert.True(t, cleaned, "cleanup must run even on cyclic-dependency failure")
}
