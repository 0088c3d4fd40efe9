// Package retry implements the periodic sweep that finds failed Runs
// still eligible for an automatic retry and resubmits them through the
// orchestrator. A single Run method driven by an external schedule
// returns a stats summary instead of emitting side-channel
// notifications.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arca/workflow-orchestrator/domain/workflow"
	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
	"github.com/arca/workflow-orchestrator/infrastructure/logging"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
	"github.com/arca/workflow-orchestrator/infrastructure/orchestrator"
	"github.com/arca/workflow-orchestrator/infrastructure/store"
)

// Stats summarizes one sweep.
type Stats struct {
	TotalFound     int `json:"total_found"`
	RetryInitiated int `json:"retry_initiated"`
	RetryFailed    int `json:"retry_failed"`
}

// Sweeper rescans the transaction store for FAILED runs under the
// retry-count ceiling with at least one retryable step failure, and
// resubmits each one as a fresh orchestrator launch group sharing the
// original run id.
type Sweeper struct {
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	registry     *kinds.Registry
	metrics      *metrics.Metrics
	logger       *logging.Logger
}

// New builds a Sweeper. metrics and logger may be nil.
func New(st store.Store, orch *orchestrator.Orchestrator, registry *kinds.Registry, m *metrics.Metrics, l *logging.Logger) *Sweeper {
	return &Sweeper{store: st, orchestrator: orch, registry: registry, metrics: m, logger: l}
}

// Run scans every FAILED transaction record and retries those eligible
// under maxRetries, returning a summary of what it found and did.
func (s *Sweeper) Run(ctx context.Context, maxRetries int) (Stats, error) {
	records, err := s.store.GetTransactionsByStatus(ctx, string(workflow.RunFailed))
	if err != nil {
		return Stats{}, errs.TransientInfrastructure("store", err)
	}

	var stats Stats
	for runID, rec := range records {
		stats.TotalFound++

		if rec.RetryCount() >= maxRetries {
			continue
		}
		if !hasRetryableFailure(rec) {
			continue
		}

		if err := s.retryOne(ctx, runID, rec); err != nil {
			stats.RetryFailed++
			if s.logger != nil {
				s.logger.WithError(err).WithFields(map[string]interface{}{"run_id": runID}).Warn("retry sweep: resubmission failed")
			}
			continue
		}

		stats.RetryInitiated++
		if s.metrics != nil {
			s.metrics.RecordRetryScheduled(rec.WorkflowKind())
		}
	}
	return stats, nil
}

// hasRetryableFailure reports whether rec's persisted step-error kinds
// (filed under orchestrator.ErrorKindsResultKey) include at least one
// errs.KindTransientInfrastructure entry. Classification is a direct
// equality check against the typed Kind value the engine captured via
// errs.As, never a scan of the error message text.
func hasRetryableFailure(rec store.Record) bool {
	results, _ := rec["results"].(map[string]any)
	if results == nil {
		return false
	}

	raw, ok := results[orchestrator.ErrorKindsResultKey]
	if !ok {
		return false
	}

	switch kindsByStep := raw.(type) {
	case map[string]string:
		for _, k := range kindsByStep {
			if errs.Kind(k) == errs.KindTransientInfrastructure {
				return true
			}
		}
	case map[string]any:
		for _, v := range kindsByStep {
			if k, ok := v.(string); ok && errs.Kind(k) == errs.KindTransientInfrastructure {
				return true
			}
		}
	}
	return false
}

// retryOne bumps retry_count, re-enters PENDING, reconstructs the
// original intake params from the stored request payload, and spawns a
// fresh launch group sharing runID (one launch per entry for a
// multi-run kind, a single launch otherwise). The step engine starts from
// the first step again; partial progress from the failed attempt is not
// resumed, matching the step engine's all-or-nothing per-launch model.
func (s *Sweeper) retryOne(ctx context.Context, runID string, rec store.Record) error {
	kind := rec.WorkflowKind()
	def, ok := s.registry.Lookup(kind)
	if !ok {
		return errs.SystemFatal("unknown workflow kind on retry", nil)
	}

	params, total, err := s.rebuildParams(kind, def.MultiRun, rec.RequestData())
	if err != nil {
		return err
	}

	if _, ok, err := s.store.IncrementRetryCount(ctx, runID); err != nil || !ok {
		return errs.TransientInfrastructure("store", fmt.Errorf("retry_count increment for %s did not apply", runID))
	}
	if _, err := s.store.SetWorkflowStatus(ctx, runID, string(workflow.RunPending)); err != nil {
		return errs.TransientInfrastructure("store", err)
	}
	if _, err := s.store.SetWorkflowStatus(ctx, runID, string(workflow.RunRunning)); err != nil {
		return errs.TransientInfrastructure("store", err)
	}

	s.orchestrator.BeginGroup(runID, kind, total)
	for _, p := range params {
		if err := s.orchestrator.ExecuteWorkflowAsync(ctx, kind, runID, p); err != nil {
			return err
		}
	}
	return nil
}

// rebuildParams decodes the original intake payload and reconstructs one
// orchestrator.Params per launch: one per entry for a multi-run kind, a
// single batch launch otherwise.
func (s *Sweeper) rebuildParams(kind string, multiRun bool, payload []byte) ([]orchestrator.Params, int, error) {
	switch kind {
	case kinds.KindReconciliation:
		var req kinds.ReconciliationRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, 0, errs.SystemFatal("malformed stored request payload", err)
		}
		params := make([]orchestrator.Params, len(req.Entries))
		for i, e := range req.Entries {
			params[i] = orchestrator.Params{Credentials: req.Credentials, Password: req.Credentials.Password, Entry: e}
		}
		return params, len(params), nil

	case kinds.KindDeclaration:
		var req kinds.DeclarationRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, 0, errs.SystemFatal("malformed stored request payload", err)
		}
		values := make([]any, len(req.Entries))
		for i, e := range req.Entries {
			values[i] = e
		}
		return []orchestrator.Params{{Credentials: req.Credentials, Password: req.Credentials.Password, Entries: values}}, 1, nil

	default:
		return nil, 0, errs.SystemFatal("unknown workflow kind on retry", nil)
	}
}

// Loop runs Run on a ticker until ctx is cancelled, logging sweep
// summaries at debug level.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration, maxRetries int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := s.Run(ctx, maxRetries)
		if err != nil {
			if s.logger != nil {
				s.logger.WithError(err).Warn("retry sweep failed")
			}
			continue
		}
		if s.logger != nil && stats.TotalFound > 0 {
			s.logger.WithFields(map[string]interface{}{
				"total_found":     stats.TotalFound,
				"retry_initiated": stats.RetryInitiated,
				"retry_failed":    stats.RetryFailed,
			}).Info("retry sweep completed")
		}
	}
}

// CronLoop runs Run on the given 5-field cron schedule instead of a
// fixed interval, so an operator can favor off-peak sweep timing (e.g.
// "*/5 9-17 * * 1-5") over a flat ticker. It blocks until ctx is
// cancelled or the schedule fails to parse.
func (s *Sweeper) CronLoop(ctx context.Context, schedule string, maxRetries int) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		stats, err := s.Run(ctx, maxRetries)
		if err != nil {
			if s.logger != nil {
				s.logger.WithError(err).Warn("retry sweep failed")
			}
			return
		}
		if s.logger != nil && stats.TotalFound > 0 {
			s.logger.WithFields(map[string]interface{}{
				"total_found":     stats.TotalFound,
				"retry_initiated": stats.RetryInitiated,
				"retry_failed":    stats.RetryFailed,
			}).Info("retry sweep completed")
		}
	})
	if err != nil {
		return errs.Validation("retry_sweep_cron", "invalid cron schedule: "+err.Error())
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
