package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
	"github.com/arca/workflow-orchestrator/infrastructure/httputil"
	"github.com/arca/workflow-orchestrator/infrastructure/logging"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
	"github.com/arca/workflow-orchestrator/infrastructure/middleware"
	"github.com/arca/workflow-orchestrator/infrastructure/orchestrator"
	"github.com/arca/workflow-orchestrator/infrastructure/retry"
)

// Handlers wires the application Service, the workflow kind registry,
// and the retry sweeper to the three intake endpoints plus the health,
// metrics, and workflow-listing endpoints.
type Handlers struct {
	service  *Service
	registry *kinds.Registry
	sweeper  *retry.Sweeper
	logger   *logging.Logger
}

// NewHandlers builds the HTTP handler set. sweeper and logger may be nil.
func NewHandlers(service *Service, registry *kinds.Registry, sweeper *retry.Sweeper, logger *logging.Logger) *Handlers {
	return &Handlers{service: service, registry: registry, sweeper: sweeper, logger: logger}
}

func (h *Handlers) recordError(r *http.Request, e *errs.Error) {
	if h.service == nil || h.service.metrics == nil || e == nil {
		return
	}
	operation := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			operation = tmpl
		}
	}
	h.service.metrics.RecordError("workflow-orchestrator", string(e.Kind), operation)
}

// NewRouter builds the full mux.Router, wired through the middleware
// stack in order: recovery -> request logging -> CORS ->
// security headers -> rate limiter -> body size limit -> metrics ->
// auth gate -> handler. Only health and metrics bypass the auth gate
// (enforced inside HeaderGateMiddleware itself); GET /workflows still
// requires the token.
func NewRouter(h *Handlers, apiToken string, m *metrics.Metrics, logger *logging.Logger, health *middleware.HealthChecker) (*mux.Router, func()) {
	r := mux.NewRouter()

	r.HandleFunc("/health", health.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", health.Handler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/workflows", h.ListWorkflows).Methods(http.MethodGet)

	r.HandleFunc("/workflows/{kind}/execute", h.Execute).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{run_id}/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/retry", h.Retry).Methods(http.MethodPost)

	recovery := middleware.NewRecoveryMiddleware(logger)
	cors := middleware.NewCORSMiddleware(nil)
	security := middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders())
	limiter := middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(logger))
	stopCleanup := middleware.StartCleanupFromConfig(limiter, middleware.DefaultRateLimiterConfig(logger))
	bodyLimit := middleware.NewBodyLimitMiddleware(8 << 20)

	r.Use(recovery.Handler)
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(cors.Handler)
	r.Use(security.Handler)
	r.Use(limiter.Handler)
	r.Use(bodyLimit.Handler)
	r.Use(middleware.MetricsMiddleware("workflow-orchestrator", m))
	r.Use(middleware.HeaderGateMiddleware(apiToken))

	return r, stopCleanup
}

// ListWorkflows reports every registered workflow kind name.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workflows": h.registry.Names()})
}

// executeRequest is the kind-agnostic JSON shape every intake body
// decodes into before being routed to the kind's typed entries.
type executeRequest struct {
	Credentials kinds.Credentials `json:"credentials"`
	Entries     json.RawMessage   `json:"entries"`
}

// Execute handles POST /workflows/{kind}/execute.
func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	def, ok := h.registry.Lookup(kind)
	if !ok {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, "UNKNOWN_WORKFLOW_KIND", "unknown workflow kind", map[string]any{"kind": kind})
		return
	}

	raw, err := readBody(r)
	if err != nil {
		httputil.BadRequest(w, "could not read request body")
		return
	}

	var base executeRequest
	if err := json.Unmarshal(raw, &base); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}

	entries, err := decodeEntries(kind, base.Entries)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	req := SubmitRequest{
		Kind:        kind,
		MultiRun:    def.MultiRun,
		Credentials: base.Credentials,
		Entries:     entries,
		RawPayload:  raw,
	}

	resp, err := h.service.Submit(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// decodeEntries unmarshals the raw entries array into the kind's
// concrete entry type and wraps each as an EntryInput.
func decodeEntries(kind string, raw json.RawMessage) ([]EntryInput, error) {
	switch kind {
	case kinds.KindReconciliation:
		var entries []kinds.ReconciliationEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, errs.Validation("entries", "malformed reconciliation entries")
		}
		out := make([]EntryInput, len(entries))
		for i, e := range entries {
			out[i] = EntryInput{Value: e}
		}
		return out, nil
	case kinds.KindDeclaration:
		var entries []kinds.DeclarationEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, errs.Validation("entries", "malformed declaration entries")
		}
		out := make([]EntryInput, len(entries))
		for i, e := range entries {
			out[i] = EntryInput{Value: e}
		}
		return out, nil
	default:
		return nil, errs.SystemFatal("unknown workflow kind", nil)
	}
}

// statusResponse is the GET /workflows/{run_id}/status payload.
type statusResponse struct {
	RunID       string            `json:"run_id"`
	Status      string            `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Results     map[string]any    `json:"results,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Status handles GET /workflows/{run_id}/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	rec, ok, err := h.service.Status(r.Context(), runID)
	if err != nil {
		h.writeErr(w, r, errs.TransientInfrastructure("store", err))
		return
	}
	if !ok {
		httputil.NotFound(w, "run not found")
		return
	}

	resp := statusResponse{
		RunID:       runID,
		Status:      rec.Status(),
		StartedAt:   rec.Time("started_at"),
		CompletedAt: rec.Time("completed_at"),
	}
	if results, ok := rec["results"].(map[string]any); ok {
		resp.Errors = extractStepErrors(results)
		resp.Results = publicResults(results)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// internalResultKeys are reserved Results keys the orchestrator uses to
// carry failure classification to the retry sweeper and the step error
// messages to the status endpoint; neither belongs in the public
// results envelope.
var internalResultKeys = map[string]bool{
	orchestrator.ErrorKindsResultKey: true,
	orchestrator.StepErrorsResultKey: true,
}

// publicResults strips the orchestrator's internal bookkeeping keys from
// a run's results map before it reaches a caller.
func publicResults(results map[string]any) map[string]any {
	if len(results) == 0 {
		return nil
	}
	out := make(map[string]any, len(results))
	for k, v := range results {
		if !internalResultKeys[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractStepErrors reads the per-step error messages filed under
// orchestrator.StepErrorsResultKey, tolerating both the native
// map[string]string (in-memory backend) and the JSON-decoded
// map[string]interface{} (Redis backend) shapes.
func extractStepErrors(results map[string]any) map[string]string {
	raw, ok := results[orchestrator.StepErrorsResultKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

// retryResponse is the POST /retry payload.
type retryResponse struct {
	TotalFound     int `json:"total_found"`
	RetryInitiated int `json:"retry_initiated"`
	RetryFailed    int `json:"retry_failed"`
}

// Retry handles POST /retry?max_retries=N.
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		httputil.ServiceUnavailable(w, "retry sweep not configured")
		return
	}
	maxRetries := httputil.QueryInt(r, "max_retries", 3)

	stats, err := h.sweeper.Run(r.Context(), maxRetries)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, retryResponse{
		TotalFound:     stats.TotalFound,
		RetryInitiated: stats.RetryInitiated,
		RetryFailed:    stats.RetryFailed,
	})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return httputil.ReadAllStrict(r.Body, 8<<20)
}

// writeErr maps a typed errs.Error (or the bare workflow status DAG
// errors it wraps) to the HTTP transport shape, using the
// DuplicateTransaction kind's distinct 409 envelope.
func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e := errs.As(err)
	if e == nil {
		httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	h.recordError(r, e)

	if e.Kind == errs.KindDuplicateTransaction {
		httputil.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":                "DuplicateTransaction",
			"transaction_hash":     e.Details["fingerprint"],
			"existing_exchange_id": e.Details["existing_run_id"],
		})
		return
	}

	httputil.WriteErrorResponse(w, r, e.HTTPStatus, string(e.Kind), e.Message, e.Details)
}
