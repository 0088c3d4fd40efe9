// Package engine executes a workflow.Workflow as a topologically ordered
// sequence of steps with per-step retry and skip-on-failed-dependency
// semantics. It is adapted from the saga-style Transaction/TwoPhaseCommit
// executors: an ordered step list, a per-step action, and an unconditional
// cleanup pass, generalized here to dependency ordering instead of a
// strict linear sequence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arca/workflow-orchestrator/domain/workflow"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
	"github.com/arca/workflow-orchestrator/infrastructure/logging"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
)

// ErrCyclicDependency is returned when no further steps can be ordered
// because every remaining step has an unresolved dependency.
var ErrCyclicDependency = errors.New("cyclic dependency detected")

const (
	defaultRetryCount = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// Result is the outcome of executing one workflow for one run.
type Result struct {
	Status       workflow.RunStatus
	StepStatuses map[string]workflow.StepStatus
	Errors       map[string]string
	// ErrorKinds carries each failed step's errs.Kind (as its string
	// value), captured via errs.As before the error crosses into a plain
	// message string. The retry sweeper classifies eligibility off this,
	// never by matching against the message text.
	ErrorKinds map[string]string
	Results    map[string]any
	Duration   time.Duration
}

// Engine is workflow-agnostic: it knows nothing about the concrete
// workflow kinds, only about the Step/Workflow shape.
type Engine struct {
	metrics    *metrics.Metrics
	logger     *logging.Logger
	retryDelay time.Duration
}

// New creates an Engine. m and l may be nil in tests.
func New(m *metrics.Metrics, l *logging.Logger) *Engine {
	return &Engine{metrics: m, logger: l, retryDelay: defaultRetryDelay}
}

// WithRetryDelay overrides the inter-retry sleep (500ms by default); tests
// use this to keep table-driven runs fast.
func (e *Engine) WithRetryDelay(d time.Duration) *Engine {
	e.retryDelay = d
	return e
}

// Execute runs wf to completion against shared, returning the terminal
// per-step statuses, errors, and the allow-listed results. Shared.Cleanup
// is guaranteed to run exactly once regardless of how execution ends.
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, shared *workflow.Shared, allow workflow.ResultsAllowList) (*Result, error) {
	defer shared.Cleanup()
	start := time.Now()

	stepStatuses := make(map[string]workflow.StepStatus, len(wf.Steps))
	for _, s := range wf.Steps {
		stepStatuses[s.Name] = workflow.StepPending
	}

	ordered, err := topoOrder(wf.Steps)
	if err != nil {
		return &Result{
			Status:       workflow.RunFailed,
			StepStatuses: stepStatuses,
			Errors:       map[string]string{"orchestrator": fmt.Sprintf("cyclic dependency detected: %v", err)},
			ErrorKinds:   map[string]string{"orchestrator": string(errs.KindSystemFatal)},
			Duration:     time.Since(start),
		}, nil
	}

	stepErrors := make(map[string]string)
	errorKinds := make(map[string]string)
	anyRequiredFailed := false

	for _, step := range ordered {
		if ctx.Err() != nil {
			stepErrors["orchestrator"] = "cancelled"
			errorKinds["orchestrator"] = string(errs.KindSystemFatal)
			anyRequiredFailed = true
			break
		}
		if e.shouldSkip(step, stepStatuses) {
			stepStatuses[step.Name] = workflow.StepSkipped
			continue
		}

		stepStatuses[step.Name] = workflow.StepRunning
		duration, stepErr := e.runWithRetry(ctx, wf.Kind, step, shared)

		if stepErr == nil {
			stepStatuses[step.Name] = workflow.StepCompleted
			e.recordStep(wf.Kind, step.Name, "success", duration)
			continue
		}

		stepStatuses[step.Name] = workflow.StepFailed
		stepErrors[step.Name] = stepErr.Error()
		if typed := errs.As(stepErr); typed != nil {
			errorKinds[step.Name] = string(typed.Kind)
		} else {
			errorKinds[step.Name] = string(errs.KindSystemFatal)
		}
		e.recordStep(wf.Kind, step.Name, "failed", duration)

		if step.Required {
			anyRequiredFailed = true
			break
		}
	}

	status := workflow.RunCompleted
	if anyRequiredFailed {
		status = workflow.RunFailed
	}

	return &Result{
		Status:       status,
		StepStatuses: stepStatuses,
		Errors:       stepErrors,
		ErrorKinds:   errorKinds,
		Results:      copyAllowListed(shared, allow),
		Duration:     time.Since(start),
	}, nil
}

// shouldSkip reports whether any of step's dependencies ended FAILED or
// was itself skipped. Every depends_on entry is a required input to the
// step; a dependency that never completed makes the step unrunnable.
func (e *Engine) shouldSkip(step workflow.Step, statuses map[string]workflow.StepStatus) bool {
	for _, depName := range step.DependsOn {
		switch statuses[depName] {
		case workflow.StepFailed, workflow.StepSkipped:
			return true
		}
	}
	return false
}

// runWithRetry invokes step's handler, retrying on falsy return or error
// until attempts are exhausted, sleeping retryDelay between attempts.
func (e *Engine) runWithRetry(ctx context.Context, workflowKind string, step workflow.Step, shared *workflow.Shared) (time.Duration, error) {
	attempts := step.RetryCount
	if attempts <= 0 {
		attempts = defaultRetryCount
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		ok, err := e.runOnce(ctx, step, shared)
		if err == nil && ok {
			return time.Since(start), nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("step %q returned a falsy result", step.Name)
		}

		if attempt < attempts-1 {
			e.recordStep(workflowKind, step.Name, "retry", time.Since(start))
			if e.retryDelay > 0 {
				time.Sleep(e.retryDelay)
			}
		}
	}
	return time.Since(start), lastErr
}

// runOnce invokes the handler once, enforcing step.TimeoutSeconds via a
// watchdog goroutine when set. Handlers do not observe cancellation
// mid-call; the watchdog only stops waiting for them.
func (e *Engine) runOnce(ctx context.Context, step workflow.Step, shared *workflow.Shared) (bool, error) {
	if step.TimeoutSeconds <= 0 {
		return step.Handler(ctx, shared)
	}

	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ok, err := step.Handler(stepCtx, shared)
		done <- outcome{ok, err}
	}()

	select {
	case o := <-done:
		return o.ok, o.err
	case <-stepCtx.Done():
		return false, errs.Timeout(step.Name)
	}
}

func (e *Engine) recordStep(workflowKind, step, outcome string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordStep(workflowKind, step, outcome, d)
	}
}

// copyAllowListed copies only the allow-listed shared keys into the
// results map surfaced on the Run, so internal handles never leak.
func copyAllowListed(shared *workflow.Shared, allow workflow.ResultsAllowList) map[string]any {
	results := make(map[string]any, len(allow))
	for key, v := range shared.Snapshot() {
		if allow.Allows(key) {
			results[key] = v
		}
	}
	return results
}

// topoOrder produces a dependency-respecting order, repeatedly scanning
// the remaining steps in their original relative order and placing every
// currently-ready one. This both satisfies topological ordering and the
// "preserve insertion order among equally-ready steps" tie-break rule.
// A full pass that places nothing indicates a cycle.
func topoOrder(steps []workflow.Step) ([]workflow.Step, error) {
	remaining := make([]workflow.Step, len(steps))
	copy(remaining, steps)

	placed := make(map[string]bool, len(steps))
	ordered := make([]workflow.Step, 0, len(steps))

	for len(remaining) > 0 {
		var next []workflow.Step
		progressed := false

		for _, s := range remaining {
			ready := true
			for _, dep := range s.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, s)
				placed[s.Name] = true
				progressed = true
			} else {
				next = append(next, s)
			}
		}

		if !progressed {
			return nil, ErrCyclicDependency
		}
		remaining = next
	}

	return ordered, nil
}
