// Package workflow holds the core data model: runs, steps, workflow
// definitions, and the per-run shared resource bag the step engine uses
// to pass opaque values between handlers.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// RunStatus is a state in the run lifecycle DAG:
// CREATED -> RUNNING -> {COMPLETED | FAILED | CANCELLED}, with a run
// that never launched failing straight from CREATED, and retries
// re-entering PENDING from a terminal state before running again.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether s is an absorbing state (subject to retries
// re-entering PENDING).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Run is one logical execution of a workflow kind for one request.
type Run struct {
	RunID               string          `json:"run_id"`
	WorkflowKind        string          `json:"workflow_kind"`
	WorkflowFingerprint string          `json:"workflow_fingerprint"`
	Status              RunStatus       `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	Results             map[string]any  `json:"results,omitempty"`
	Errors              map[string]string `json:"errors,omitempty"`
	RetryCount          int             `json:"retry_count"`
	TTLSeconds          int             `json:"ttl_seconds"`
	RequestPayload      json.RawMessage `json:"request_data,omitempty"`
}

// NewRun creates a Run in the CREATED state.
func NewRun(runID, kind, fingerprint string, ttlSeconds int, payload json.RawMessage) *Run {
	now := time.Now()
	return &Run{
		RunID:               runID,
		WorkflowKind:        kind,
		WorkflowFingerprint: fingerprint,
		Status:              RunCreated,
		CreatedAt:           now,
		UpdatedAt:           now,
		Results:             make(map[string]any),
		Errors:              make(map[string]string),
		TTLSeconds:          ttlSeconds,
		RequestPayload:      payload,
	}
}

// validTransitions enumerates the run lifecycle DAG: the orchestrator
// moves a run from CREATED to RUNNING when its first launch starts, a
// run whose launches all failed to schedule fails from CREATED, and the
// retry path re-enters RUNNING through PENDING. Terminal re-entry into
// PENDING is handled separately in CanTransitionStatus.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunCreated: {RunRunning: true, RunFailed: true},
	RunPending: {RunRunning: true, RunCancelled: true},
	RunRunning: {RunCompleted: true, RunFailed: true, RunCancelled: true},
}

// CanTransitionStatus reports whether moving from one run status to
// another is a legal edge in the lifecycle DAG. Same-status writes are
// idempotent and always legal; a retry may re-enter PENDING from any
// terminal state. The transaction store consults this before every
// status write, so an out-of-order write (a stray RUNNING after a
// terminal state, a second terminal write racing a retry) is refused at
// the single place all status mutations pass through.
func CanTransitionStatus(from, to RunStatus) bool {
	if from == "" || from == to {
		return true
	}
	if from.IsTerminal() && to == RunPending {
		return true
	}
	return validTransitions[from][to]
}

// StepStatus is the transient per-run execution status of a Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Handler is the per-step callable. It returns true on success; a false
// return or a non-nil error both count as a failed attempt eligible for
// retry. Handlers are synchronous and may block.
type Handler func(ctx context.Context, shared *Shared) (bool, error)

// Step is one named operation in a workflow's dependency graph.
type Step struct {
	Name           string
	DependsOn      []string
	Required       bool
	RetryCount     int // total attempts, including the first; default 3
	TimeoutSeconds int
	Handler        Handler
}

// Workflow is an in-memory definition: a named, workflow-agnostic graph
// of steps executed by the step engine.
type Workflow struct {
	Kind  string
	Steps []Step
}

// Validate checks that step names are unique and every dependency
// references a step defined in the same workflow.
func (w *Workflow) Validate() error {
	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: step with empty name", w.Kind)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step name %q", w.Kind, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("workflow %s: step %q depends on undefined step %q", w.Kind, s.Name, dep)
			}
		}
	}
	return nil
}

// Shared is the per-run scratch bag steps use to exchange opaque values
// (service handles, derived artifacts, the correlation id). Its lifetime
// equals the run; Cleanup runs every registered cleanup func in reverse
// registration order on every exit path.
type Shared struct {
	mu        sync.Mutex
	values    map[string]any
	cleanups  []func()
}

// NewShared creates an empty shared resource bag.
func NewShared() *Shared {
	return &Shared{values: make(map[string]any)}
}

// Set stores a value under key.
func (s *Shared) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get retrieves the value stored under key, if any.
func (s *Shared) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a copy of the current key/value pairs, for callers
// that filter or iterate the bag without holding its lock.
func (s *Shared) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// OnCleanup registers fn to run when Cleanup is called. Cleanups run in
// reverse registration order, mirroring resource acquire/release nesting.
func (s *Shared) OnCleanup(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Cleanup runs every registered cleanup function exactly once, in
// reverse order. Safe to call more than once; subsequent calls are no-ops.
func (s *Shared) Cleanup() {
	s.mu.Lock()
	fns := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// ResultsAllowList declares which Shared keys the step engine is
// permitted to copy into a Run's Results map. Anything not listed here
// stays in the shared bag and is discarded with it, preventing internal
// handles from leaking into the stored record.
type ResultsAllowList []string

// Allows reports whether key may be copied into Run.Results.
func (a ResultsAllowList) Allows(key string) bool {
	for _, k := range a {
		if k == key {
			return true
		}
	}
	return false
}
