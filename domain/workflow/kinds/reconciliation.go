package kinds

import (
	"context"
	"fmt"
	"time"

	"github.com/arca/workflow-orchestrator/domain/workflow"
	"github.com/arca/workflow-orchestrator/domain/workflow/fingerprint"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
)

// reconciliationDateLayout is the wire format for reconciliation date fields.
const reconciliationDateLayout = "02/01/2006"

// ReconciliationEntry is one account-reconciliation request for a
// single tax period.
type ReconciliationEntry struct {
	PeriodFrom       string `json:"period_from"`
	PeriodTo         string `json:"period_to"`
	CalculationDate  string `json:"calculation_date"`
	FormPayment      string `json:"form_payment"`
	ExpirationDate   string `json:"expiration_date"`
	TaxpayerType     string `json:"taxpayer_type,omitempty"`
	TaxType          string `json:"tax_type,omitempty"`
	IncludeInterests bool   `json:"include_interests"`
}

// Fingerprint computes the entry hash using the kind's fixed critical-field
// order: period_from|period_to|calculation_date|taxpayer_type|tax_type|form_payment|expiration_date.
func (e ReconciliationEntry) Fingerprint() string {
	return fingerprint.EntryHash(
		e.PeriodFrom, e.PeriodTo, e.CalculationDate,
		e.TaxpayerType, e.TaxType, e.FormPayment, e.ExpirationDate,
	)
}

// CanonicalForm returns the same ordered field join, unhashed, for use
// building the request-level workflow fingerprint.
func (e ReconciliationEntry) CanonicalForm() string {
	return fingerprint.CanonicalForm(
		e.PeriodFrom, e.PeriodTo, e.CalculationDate,
		e.TaxpayerType, e.TaxType, e.FormPayment, e.ExpirationDate,
	)
}

// Validate checks required fields and the payment method allow-list.
func (e ReconciliationEntry) Validate() error {
	if e.PeriodFrom == "" {
		return errs.MissingParameter("period_from")
	}
	if e.PeriodTo == "" {
		return errs.MissingParameter("period_to")
	}
	if e.CalculationDate == "" {
		return errs.MissingParameter("calculation_date")
	}
	if e.ExpirationDate == "" {
		return errs.MissingParameter("expiration_date")
	}
	return ValidatePaymentMethod(e.FormPayment)
}

// PaymentMethod returns the entry's form_payment value.
func (e ReconciliationEntry) PaymentMethod() string {
	return e.FormPayment
}

// ExpiresAt parses ExpirationDate in the DD/MM/YYYY wire format.
func (e ReconciliationEntry) ExpiresAt() (time.Time, bool) {
	t, err := time.Parse(reconciliationDateLayout, e.ExpirationDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ReconciliationRequest is the account-reconciliation intake payload.
type ReconciliationRequest struct {
	Credentials Credentials            `json:"credentials"`
	Entries     []ReconciliationEntry  `json:"entries"`
}

// ReconciliationAllowList is the set of Shared keys the engine may copy
// into Run.Results for reconciliation runs.
var ReconciliationAllowList = workflow.ResultsAllowList{ResultPDF, ResultPaymentURL}

// NewReconciliationWorkflow builds the reconciliation step graph: authenticate,
// navigate to the reconciliation form, extract the computed balance, then
// render the PDF artifact. Rendering is non-required: a successful
// reconciliation with a failed render still completes, with the failure
// recorded in errors.
func NewReconciliationWorkflow(browsers BrowserFactory, renderer ArtifactRenderer) *workflow.Workflow {
	return &workflow.Workflow{
		Kind: KindReconciliation,
		Steps: []workflow.Step{
			{
				Name:           "authenticate",
				Required:       true,
				RetryCount:     3,
				TimeoutSeconds: 60,
				Handler:        reconciliationAuthenticate(browsers),
			},
			{
				Name:           "navigate_reconciliation_form",
				Required:       true,
				DependsOn:      []string{"authenticate"},
				RetryCount:     3,
				TimeoutSeconds: 90,
				Handler:        reconciliationNavigate(),
			},
			{
				Name:           "extract_balance",
				Required:       true,
				DependsOn:      []string{"navigate_reconciliation_form"},
				RetryCount:     3,
				TimeoutSeconds: 60,
				Handler:        reconciliationExtract(),
			},
			{
				Name:           "render_pdf",
				Required:       false,
				DependsOn:      []string{"extract_balance"},
				RetryCount:     2,
				TimeoutSeconds: 30,
				Handler:        reconciliationRenderPDF(renderer),
			},
		},
	}
}

func reconciliationAuthenticate(browsers BrowserFactory) workflow.Handler {
	return func(ctx context.Context, shared *workflow.Shared) (bool, error) {
		session, err := browsers.Acquire(ctx)
		if err != nil {
			return false, errs.TransientInfrastructure("browser_fleet", err)
		}
		shared.OnCleanup(func() { _ = session.Close(context.Background()) })

		creds, _ := shared.Get(SharedKeyCredentials)
		c, _ := creds.(Credentials)
		password, _ := shared.Get(SharedKeyPassword)

		if err := session.FillForm(ctx, map[string]string{
			"cuit":     c.CUIT,
			"password": fmt.Sprint(password),
		}); err != nil {
			return false, errs.TransientInfrastructure("browser_session", err)
		}

		shared.Set(SharedKeySession, session)
		return true, nil
	}
}

func reconciliationNavigate() workflow.Handler {
	return func(ctx context.Context, shared *workflow.Shared) (bool, error) {
		session, ok := shared.Get(SharedKeySession)
		if !ok {
			return false, errs.BusinessRule("authenticate step did not leave a browser session")
		}
		s := session.(BrowserSession)

		entryVal, _ := shared.Get(SharedKeyEntry)
		entry, ok := entryVal.(ReconciliationEntry)
		if !ok {
			return false, errs.BusinessRule("reconciliation entry missing from shared state")
		}

		if err := s.Navigate(ctx, "portal://reconciliation"); err != nil {
			return false, errs.TransientInfrastructure("browser_session", err)
		}
		if err := s.FillForm(ctx, map[string]string{
			"period_from":      entry.PeriodFrom,
			"period_to":        entry.PeriodTo,
			"calculation_date": entry.CalculationDate,
			"expiration_date":  entry.ExpirationDate,
		}); err != nil {
			return false, errs.TransientInfrastructure("browser_session", err)
		}
		return true, nil
	}
}

func reconciliationExtract() workflow.Handler {
	return func(ctx context.Context, shared *workflow.Shared) (bool, error) {
		session, ok := shared.Get(SharedKeySession)
		if !ok {
			return false, errs.BusinessRule("browser session unavailable for extraction")
		}
		s := session.(BrowserSession)

		balance, err := s.ExtractField(ctx, "balance")
		if err != nil {
			return false, errs.TransientInfrastructure("browser_session", err)
		}
		shared.Set(SharedKeyExtracted, map[string]any{"balance": balance})
		return true, nil
	}
}

func reconciliationRenderPDF(renderer ArtifactRenderer) workflow.Handler {
	return func(ctx context.Context, shared *workflow.Shared) (bool, error) {
		fieldsVal, _ := shared.Get(SharedKeyExtracted)
		fields, _ := fieldsVal.(map[string]any)

		pdf, err := renderer.RenderPDF(ctx, fields)
		if err != nil {
			return false, errs.TransientInfrastructure("artifact_renderer", err)
		}
		shared.Set(ResultPDF, NewPDFArtifact("reconciliation.pdf", pdf))
		return true, nil
	}
}
