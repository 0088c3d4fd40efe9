// Package orchestrator spawns workflow runs, tracks the launches that
// compose a run (one per entry for a multi-run kind, one for a
// single-run kind), and on the last launch's terminal state writes the
// aggregated result to the store and publishes a terminal event.
// Adapted from the contract-event dispatcher's handler-registry shape:
// a registration map guarded by a mutex plus a Stats() snapshot, here
// keyed by run id instead of handler id.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arca/workflow-orchestrator/domain/workflow"
	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
	"github.com/arca/workflow-orchestrator/infrastructure/engine"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
	"github.com/arca/workflow-orchestrator/infrastructure/events"
	"github.com/arca/workflow-orchestrator/infrastructure/logging"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
	"github.com/arca/workflow-orchestrator/infrastructure/store"
	"github.com/arca/workflow-orchestrator/internal/correlation"
)

// ErrorKindsResultKey is the reserved Results key a failed run's
// per-step errs.Kind values are filed under, so the retry sweeper can
// classify eligibility by typed Kind equality instead of matching on
// error message text.
const ErrorKindsResultKey = "_error_kinds"

// StepErrorsResultKey is the reserved Results key a failed run's
// per-step human-readable error messages are filed under, so the status
// endpoint can surface them verbatim without reaching into the
// orchestrator's internal group bookkeeping.
const StepErrorsResultKey = "_step_errors"

// Params is the filtered set of values handed to a kind's step graph,
// isolating step handlers from the intake request's raw JSON shape.
type Params struct {
	Credentials kinds.Credentials
	Password    string
	Entry       any // single entry, for a multi-run launch
	Entries     any // entry batch, for a single-run launch
}

// group tracks every launch sharing one run id. The run is terminal only
// once every expected launch has reported in.
type group struct {
	mu         sync.Mutex
	kind       string
	pending    int
	anyFailed  bool
	stepErrors map[string]string
	errorKinds map[string]string
	results    map[string]any
	startedAt  time.Time
	cancels    []context.CancelFunc
}

// Capacity is the fleet-capacity collaborator consulted before a launch
// begins executing steps; *autoscale.Autoscaler satisfies it. A failed
// provisioning attempt is logged and the launch proceeds on whatever
// capacity the fleet already has; a leased session slot is released
// when the launch finishes.
type Capacity interface {
	EnsureCapacity(ctx context.Context, sessionsNeeded int) error
	AcquireSession(ctx context.Context) error
	ReleaseSession()
}

// Orchestrator is workflow-agnostic: it drives the registered kinds
// through the step engine and never inspects entry payloads itself.
type Orchestrator struct {
	registry  *kinds.Registry
	engine    *engine.Engine
	store     store.Store
	publisher events.Publisher
	capacity  Capacity
	metrics   *metrics.Metrics
	logger    *logging.Logger

	mu     sync.Mutex
	groups map[string]*group

	runsInFlight int64
}

// New builds an Orchestrator. metrics, logger, and publisher may be nil.
func New(registry *kinds.Registry, eng *engine.Engine, st store.Store, pub events.Publisher, m *metrics.Metrics, l *logging.Logger) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		engine:    eng,
		store:     st,
		publisher: pub,
		metrics:   m,
		logger:    l,
		groups:    make(map[string]*group),
	}
}

// WithCapacity wires the fleet autoscaler consulted before each launch.
func (o *Orchestrator) WithCapacity(c Capacity) *Orchestrator {
	o.capacity = c
	return o
}

// BeginGroup registers the expected launch count for runID before any
// launch is spawned, so a fast-finishing first launch never finalizes
// the run while siblings are still being scheduled. total is 1 for a
// single-run kind.
func (o *Orchestrator) BeginGroup(runID, kind string, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.groups[runID]; exists {
		return
	}
	o.groups[runID] = &group{
		kind:       kind,
		pending:    total,
		stepErrors: make(map[string]string),
		errorKinds: make(map[string]string),
		results:    make(map[string]any),
		startedAt:  time.Now(),
	}
}

// ExecuteWorkflowAsync spawns one launch of kind's step graph against
// runID's group in the background and returns once the launch has been
// accepted, not once it finishes. A non-nil error means the launch was
// never scheduled (unknown kind); the caller should count it as a
// failed spawn, not a failed run.
func (o *Orchestrator) ExecuteWorkflowAsync(ctx context.Context, kind, runID string, params Params) error {
	def, ok := o.registry.Lookup(kind)
	if !ok {
		return errs.SystemFatal("unknown workflow kind", fmt.Errorf("kind %q not registered", kind))
	}

	shared := workflow.NewShared()
	shared.Set(kinds.SharedKeyCredentials, params.Credentials)
	shared.Set(kinds.SharedKeyPassword, params.Password)
	if params.Entry != nil {
		shared.Set(kinds.SharedKeyEntry, params.Entry)
	}
	if params.Entries != nil {
		shared.Set(kinds.SharedKeyEntries, params.Entries)
	}

	launchCtx, cancel := context.WithCancel(context.Background())
	launchCtx = correlation.WithRunID(launchCtx, runID)
	o.registerCancel(runID, cancel)

	go o.run(launchCtx, runID, def, shared)
	return nil
}

// CancelRun cancels every in-flight launch for runID. The step engine's
// handlers do not observe cancellation mid-call; cancellation only stops
// the engine from starting the next step.
func (o *Orchestrator) CancelRun(runID string) {
	o.mu.Lock()
	g, ok := o.groups[runID]
	o.mu.Unlock()
	if !ok {
		return
	}
	g.mu.Lock()
	cancels := g.cancels
	g.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (o *Orchestrator) registerCancel(runID string, cancel context.CancelFunc) {
	o.mu.Lock()
	g := o.groups[runID]
	o.mu.Unlock()
	if g == nil {
		cancel()
		return
	}
	g.mu.Lock()
	g.cancels = append(g.cancels, cancel)
	g.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, runID string, def kinds.Definition, shared *workflow.Shared) {
	wf := def.BuildWorkflow()
	if err := wf.Validate(); err != nil {
		o.finishLaunch(ctx, runID, &engine.Result{
			Status:     workflow.RunFailed,
			Errors:     map[string]string{"orchestrator": err.Error()},
			ErrorKinds: map[string]string{"orchestrator": string(errs.KindSystemFatal)},
		})
		return
	}

	if o.capacity != nil {
		if err := o.capacity.EnsureCapacity(ctx, 1); err != nil && o.logger != nil {
			o.logger.WithContext(ctx).WithError(err).Warn("capacity provisioning failed; proceeding on existing fleet")
		}
		if err := o.capacity.AcquireSession(ctx); err == nil {
			defer o.capacity.ReleaseSession()
		} else if o.logger != nil {
			o.logger.WithContext(ctx).WithError(err).Warn("session slot acquisition failed; proceeding unleased")
		}
	}

	_, _ = o.store.SetWorkflowStatus(ctx, runID, string(workflow.RunRunning))

	n := atomic.AddInt64(&o.runsInFlight, 1)
	if o.metrics != nil {
		o.metrics.SetRunsInFlight(int(n))
	}

	result, err := o.engine.Execute(ctx, wf, shared, def.AllowList)

	n = atomic.AddInt64(&o.runsInFlight, -1)
	if o.metrics != nil {
		o.metrics.SetRunsInFlight(int(n))
	}

	if err != nil {
		result = &engine.Result{
			Status:     workflow.RunFailed,
			Errors:     map[string]string{"orchestrator": err.Error()},
			ErrorKinds: map[string]string{"orchestrator": string(errs.KindSystemFatal)},
		}
	}

	o.finishLaunch(ctx, runID, result)
}

// finishLaunch folds one launch's outcome into its group and, once every
// expected launch has reported, writes the aggregated terminal state and
// publishes the corresponding event.
func (o *Orchestrator) finishLaunch(ctx context.Context, runID string, result *engine.Result) {
	o.mu.Lock()
	g, ok := o.groups[runID]
	o.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	g.pending--
	if result.Status == workflow.RunFailed {
		g.anyFailed = true
	}
	for k, v := range result.Errors {
		g.stepErrors[k] = v
	}
	for k, v := range result.ErrorKinds {
		g.errorKinds[k] = v
	}
	for k, v := range result.Results {
		g.results[k] = v
	}
	done := g.pending <= 0
	kind := g.kind
	duration := time.Since(g.startedAt)
	stepErrors := g.stepErrors
	errorKinds := g.errorKinds
	results := g.results
	g.mu.Unlock()

	if !done {
		return
	}

	status := workflow.RunCompleted
	if g.anyFailed {
		status = workflow.RunFailed
	}

	// The reserved keys are written even when empty so a successful retry
	// overwrites the failure classification left by the previous attempt,
	// and so a COMPLETED run still records its non-required step failures.
	persisted := make(map[string]any, len(results)+2)
	for k, v := range results {
		persisted[k] = v
	}
	persisted[ErrorKindsResultKey] = errorKinds
	persisted[StepErrorsResultKey] = stepErrors

	if _, err := o.store.UpdateStatus(ctx, runID, string(status), persisted); err != nil && o.logger != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("terminal status write failed")
	}

	if o.metrics != nil {
		o.metrics.RecordRunTerminal(kind, string(status), duration)
	}

	o.publish(ctx, runID, kind, status, results, stepErrors)

	o.mu.Lock()
	delete(o.groups, runID)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(ctx context.Context, runID, kind string, status workflow.RunStatus, results map[string]any, stepErrors map[string]string) {
	if o.publisher == nil {
		return
	}

	event := events.Event{
		ExchangeID:   runID,
		WorkflowType: kind,
		Timestamp:    time.Now().Format(time.RFC3339),
		Success:      status == workflow.RunCompleted,
	}
	if event.Success {
		event.Response = results
	} else {
		event.ErrorDetails = summarizeErrors(stepErrors)
	}
	if art, ok := results[kinds.ResultPDF].(kinds.Artifact); ok {
		event.PDFContentB64 = art.DataB64
	}

	err := o.publisher.PublishTerminal(ctx, event)
	if o.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		o.metrics.RecordEventPublished(kind, outcome)
	}
	if err != nil && o.logger != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("terminal event publish failed")
	}
}

// summarizeErrors joins a step-name -> message map deterministically so
// the same set of errors always produces the same error_details string.
func summarizeErrors(stepErrors map[string]string) string {
	names := make([]string, 0, len(stepErrors))
	for name := range stepErrors {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, stepErrors[name]))
	}
	return strings.Join(parts, "; ")
}

// Stats reports the number of run groups currently in flight, for health
// and diagnostic endpoints.
func (o *Orchestrator) Stats() (groupsInFlight int, runsInFlight int) {
	o.mu.Lock()
	groupsInFlight = len(o.groups)
	o.mu.Unlock()
	return groupsInFlight, int(atomic.LoadInt64(&o.runsInFlight))
}
