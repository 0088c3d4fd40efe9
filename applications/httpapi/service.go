// Package httpapi implements the application service that receives
// validated intake requests, applies the dedupe/spawn/monitor pipeline,
// and the HTTP transport that exposes it. The transport stays a thin
// wrapper around an application service that never imports net/http
// itself.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arca/workflow-orchestrator/domain/workflow"
	"github.com/arca/workflow-orchestrator/domain/workflow/fingerprint"
	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
	"github.com/arca/workflow-orchestrator/infrastructure/logging"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
	"github.com/arca/workflow-orchestrator/infrastructure/orchestrator"
	"github.com/arca/workflow-orchestrator/infrastructure/store"
	"github.com/arca/workflow-orchestrator/internal/correlation"
)

// EntryInput is one entry as seen by the application service: enough to
// dedupe, persist, and hand back to the orchestrator, without the
// service needing to know the kind's concrete entry type.
type EntryInput struct {
	Value kinds.Entry // concrete entry value (also the orchestrator payload)
}

// SubmitRequest is the kind-agnostic shape the application service
// consumes. The HTTP layer builds one of these from a kind's typed
// request body.
type SubmitRequest struct {
	Kind        string
	MultiRun    bool
	Credentials kinds.Credentials
	Entries     []EntryInput
	RawPayload  json.RawMessage // original request body, kept for retry reconstruction
}

// EntryStatus reports one entry's intake outcome.
type EntryStatus struct {
	Fingerprint string `json:"fingerprint"`
	RunID       string `json:"run_id,omitempty"`
	Duplicate   bool   `json:"duplicate"`
}

// Counts summarizes an intake response.
type Counts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Duplicate int `json:"duplicate"`
}

// Response is the application service's reply to a Submit call.
type Response struct {
	RunID      string        `json:"run_id,omitempty"`
	Processed  []EntryStatus `json:"processed,omitempty"`
	Duplicates []EntryStatus `json:"duplicates,omitempty"`
	Counts     Counts        `json:"counts"`
}

// keyedMutex serializes work by key, without holding a lock per key
// forever: a concurrent pair of requests for the same workflow
// fingerprint genuinely need mutual exclusion across the
// check-duplicate-then-create-transaction sequence, but unrelated
// fingerprints must not contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		delete(k.locks, key)
		k.mu.Unlock()
	}
}

// Service is the application layer (C7): it computes fingerprints,
// checks the transaction store for duplicates, spawns orchestrator
// launches, and tracks each run to completion.
type Service struct {
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	resolver     kinds.CredentialResolver
	metrics      *metrics.Metrics
	logger       *logging.Logger

	fpLocks *keyedMutex

	monitorCtx    context.Context
	monitorCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewService builds the application service. resolver, metrics, and
// logger may be nil; a nil resolver means every Submit must carry an
// inline credentials.Password.
func NewService(st store.Store, orch *orchestrator.Orchestrator, resolver kinds.CredentialResolver, m *metrics.Metrics, l *logging.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:         st,
		orchestrator:  orch,
		resolver:      resolver,
		metrics:       m,
		logger:        l,
		fpLocks:       newKeyedMutex(),
		monitorCtx:    ctx,
		monitorCancel: cancel,
	}
}

// Shutdown stops every outstanding monitor goroutine. Submit calls made
// after Shutdown still run; their monitor tasks exit immediately.
func (s *Service) Shutdown() {
	s.monitorCancel()
	s.wg.Wait()
}

// Submit runs the full intake algorithm: workflow-level dedupe,
// credential resolution, run id allocation, entry-level dedupe,
// transaction persistence, launch spawning, and monitor task startup.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Response, error) {
	if len(req.Entries) == 0 {
		return nil, errs.MissingParameter("entries")
	}

	canonicalForms := make([]string, len(req.Entries))
	entryTTLs := make([]time.Duration, len(req.Entries))
	for i, e := range req.Entries {
		if err := e.Value.Validate(); err != nil {
			return nil, err
		}
		canonicalForms[i] = e.Value.CanonicalForm()
		entryTTLs[i] = kinds.EntryTTL(e.Value)
	}
	runTTL := maxDuration(entryTTLs)

	workflowFingerprint := fingerprint.WorkflowHash(req.Credentials.ID(), canonicalForms)

	unlock := s.fpLocks.Lock(workflowFingerprint)
	defer unlock()

	// An identical request is rejected outright only while its prior run
	// is still in flight. Once that run is terminal, the request falls
	// through to entry-level dedupe, which reports each entry's stored
	// parent run id instead of a conflict.
	if existingRunID, found, err := s.store.CheckDuplicate(ctx, workflowFingerprint); err != nil {
		return nil, errs.TransientInfrastructure("store", err)
	} else if found {
		if rec, ok, err := s.store.GetTransaction(ctx, existingRunID); err == nil && ok {
			if !workflow.RunStatus(rec.Status()).IsTerminal() {
				if s.metrics != nil {
					s.metrics.RecordDuplicate(req.Kind, "workflow")
				}
				return nil, errs.DuplicateTransaction(workflowFingerprint, existingRunID)
			}
		}
	}

	secret, err := s.resolveSecret(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = correlation.WithRunID(ctx, runID)

	var newEntries []EntryInput
	var duplicates []EntryStatus
	for _, e := range req.Entries {
		fp := e.Value.Fingerprint()
		key, found, err := s.store.CheckDuplicate(ctx, fp)
		if err != nil {
			return nil, errs.TransientInfrastructure("store", err)
		}
		if !found {
			newEntries = append(newEntries, e)
			continue
		}

		stored := runID
		if rec, ok, err := s.store.GetTransaction(ctx, key); err == nil && ok {
			if v := rec.RunID(); v != "" {
				stored = v
			}
		}
		if s.metrics != nil {
			s.metrics.RecordDuplicate(req.Kind, "entry")
			s.metrics.RecordPaymentOutcome(e.Value.PaymentMethod(), "duplicate")
		}
		duplicates = append(duplicates, EntryStatus{Fingerprint: fp, RunID: stored, Duplicate: true})
	}

	counts := Counts{Total: len(req.Entries), Duplicate: len(duplicates)}

	if len(newEntries) == 0 {
		return &Response{Duplicates: duplicates, Counts: counts}, nil
	}

	run := workflow.NewRun(runID, req.Kind, workflowFingerprint, int(runTTL.Seconds()), req.RawPayload)
	runPayload := store.Record{
		"status":           string(run.Status),
		"workflow_kind":    run.WorkflowKind,
		"transaction_hash": run.WorkflowFingerprint,
		"exchange_id":      run.RunID,
		"created_at":       run.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       run.UpdatedAt.Format(time.RFC3339Nano),
		"request_data":     run.RequestPayload,
		"results":          run.Results,
		"retry_count":      run.RetryCount,
		"ttl_seconds":      run.TTLSeconds,
	}
	if ok, err := s.store.CreateTransaction(ctx, runID, workflowFingerprint, runPayload, runTTL); !ok || err != nil {
		return nil, errs.TransactionCreationFailed(err)
	}

	for _, e := range newEntries {
		payload := store.Record{"entry": e.Value, "run_id": runID, "status": "created"}
		ttl := kinds.EntryTTL(e.Value)
		if ok, err := s.store.CreateTransaction(ctx, e.Value.Fingerprint(), e.Value.Fingerprint(), payload, ttl); !ok || err != nil {
			return nil, errs.TransactionCreationFailed(err)
		}
	}

	launches := s.spawnLaunches(ctx, req, runID, newEntries, secret)
	if launches == 0 {
		_, _ = s.store.SetWorkflowStatus(ctx, runID, string(workflow.RunFailed))
		return nil, errs.WorkflowStartupFailed(fmt.Errorf("no launch for kind %q could be scheduled", req.Kind))
	}

	processed := make([]EntryStatus, len(newEntries))
	for i, e := range newEntries {
		processed[i] = EntryStatus{Fingerprint: e.Value.Fingerprint(), RunID: runID}
		if s.metrics != nil {
			s.metrics.RecordPaymentOutcome(e.Value.PaymentMethod(), "accepted")
		}
	}
	counts.Processed = len(newEntries)

	s.wg.Add(1)
	go s.monitor(runID, req.Kind)

	return &Response{RunID: runID, Processed: processed, Duplicates: duplicates, Counts: counts}, nil
}

func (s *Service) spawnLaunches(ctx context.Context, req SubmitRequest, runID string, newEntries []EntryInput, secret string) int {
	total := 1
	if req.MultiRun {
		total = len(newEntries)
	}
	s.orchestrator.BeginGroup(runID, req.Kind, total)

	launches := 0
	if req.MultiRun {
		for _, e := range newEntries {
			params := orchestrator.Params{Credentials: req.Credentials, Password: secret, Entry: e.Value}
			if err := s.orchestrator.ExecuteWorkflowAsync(ctx, req.Kind, runID, params); err == nil {
				launches++
			} else if s.logger != nil {
				s.logger.WithContext(ctx).WithError(err).Warn("launch spawn failed")
			}
		}
		return launches
	}

	values := make([]any, len(newEntries))
	for i, e := range newEntries {
		values[i] = e.Value
	}
	params := orchestrator.Params{Credentials: req.Credentials, Password: secret, Entries: values}
	if err := s.orchestrator.ExecuteWorkflowAsync(ctx, req.Kind, runID, params); err == nil {
		launches = 1
	} else if s.logger != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("launch spawn failed")
	}
	return launches
}

// resolveSecret returns the portal password to authenticate with,
// preferring an inline value over a CredentialResolver lookup.
func (s *Service) resolveSecret(ctx context.Context, creds kinds.Credentials) (string, error) {
	if creds.Password != "" {
		s.recordAuthAttempt("inline")
		return creds.Password, nil
	}
	if s.resolver == nil {
		s.recordAuthAttempt("not_found")
		return "", errs.CredentialNotFound(creds.ID())
	}
	secret, err := s.resolver.Resolve(ctx, creds.ID())
	if err != nil {
		if errors.Is(err, kinds.ErrCredentialNotFound) {
			s.recordAuthAttempt("not_found")
			return "", errs.CredentialNotFound(creds.ID())
		}
		s.recordAuthAttempt("unavailable")
		return "", errs.CredentialUnavailable(err)
	}
	s.recordAuthAttempt("resolved")
	return secret, nil
}

func (s *Service) recordAuthAttempt(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAuthAttempt(outcome)
	}
}

// monitor polls the store every second until runID's Run reaches a
// terminal status, then emits the business-outcome metric. The terminal
// store write and event publish already happened inside the
// orchestrator; this task only observes and reports.
func (s *Service) monitor(runID, kind string) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.monitorCtx.Done():
			return
		case <-ticker.C:
		}

		rec, ok, err := s.store.GetTransaction(s.monitorCtx, runID)
		if err != nil || !ok {
			continue
		}
		status := workflow.RunStatus(rec.Status())
		if !status.IsTerminal() {
			continue
		}

		outcome := "failed"
		if status == workflow.RunCompleted {
			outcome = "completed"
		}
		if s.metrics != nil {
			s.metrics.RecordBusinessOutcome(kind, outcome)
		}
		return
	}
}

// Status returns the stored Run record for runID, for the status
// endpoint.
func (s *Service) Status(ctx context.Context, runID string) (store.Record, bool, error) {
	return s.store.GetTransaction(ctx, runID)
}

func maxDuration(ds []time.Duration) time.Duration {
	var max time.Duration
	for _, d := range ds {
		if d > max {
			max = d
		}
	}
	return max
}
