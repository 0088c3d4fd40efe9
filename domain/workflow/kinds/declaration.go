package kinds

import (
	"context"
	"fmt"
	"time"

	"github.com/arca/workflow-orchestrator/domain/workflow"
	"github.com/arca/workflow-orchestrator/domain/workflow/fingerprint"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
)

// declarationDateLayout is the wire format for declaration date fields.
const declarationDateLayout = "2006-01-02"

// DeclarationEntry is a single tax-declaration upload and payment
// instruction.
type DeclarationEntry struct {
	ExpirationDate  string  `json:"expiration_date"`
	FormNumber      string  `json:"form_number"`
	PaymentTypeCode string  `json:"payment_type_code"`
	CUIT            string  `json:"cuit"`
	Concept         string  `json:"concept"`
	SubConcept      string  `json:"sub_concept"`
	FiscalPeriod    string  `json:"fiscal_period"`
	Amount          float64 `json:"amount"`
	TaxCode         string  `json:"tax_code"`
	FormPayment     string  `json:"form_payment"`
}

// Fingerprint computes the entry hash using the kind's fixed critical-field
// order: cuit|concept|sub_concept|fiscal_period|amount|tax_code|expiration_date|form_number|payment_type_code.
func (e DeclarationEntry) Fingerprint() string {
	return fingerprint.EntryHash(
		e.CUIT, e.Concept, e.SubConcept, e.FiscalPeriod,
		fingerprint.FormatFloat(e.Amount), e.TaxCode,
		e.ExpirationDate, e.FormNumber, e.PaymentTypeCode,
	)
}

// CanonicalForm returns the same ordered field join, unhashed.
func (e DeclarationEntry) CanonicalForm() string {
	return fingerprint.CanonicalForm(
		e.CUIT, e.Concept, e.SubConcept, e.FiscalPeriod,
		fingerprint.FormatFloat(e.Amount), e.TaxCode,
		e.ExpirationDate, e.FormNumber, e.PaymentTypeCode,
	)
}

// Validate checks required fields, the positive-amount invariant, and
// the payment method allow-list.
func (e DeclarationEntry) Validate() error {
	if e.CUIT == "" {
		return errs.MissingParameter("cuit")
	}
	if e.FormNumber == "" {
		return errs.MissingParameter("form_number")
	}
	if e.FiscalPeriod == "" {
		return errs.MissingParameter("fiscal_period")
	}
	if e.Amount <= 0 {
		return errs.Validation("amount", "must be greater than zero")
	}
	return ValidatePaymentMethod(e.FormPayment)
}

// PaymentMethod returns the entry's form_payment value.
func (e DeclarationEntry) PaymentMethod() string {
	return e.FormPayment
}

// ExpiresAt parses ExpirationDate in the YYYY-MM-DD wire format.
func (e DeclarationEntry) ExpiresAt() (time.Time, bool) {
	t, err := time.Parse(declarationDateLayout, e.ExpirationDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DeclarationRequest is the declaration-upload intake payload.
type DeclarationRequest struct {
	Credentials Credentials        `json:"credentials"`
	Entries     []DeclarationEntry `json:"entries"`
}

// DeclarationAllowList is the set of Shared keys the engine may copy into
// Run.Results for declaration runs.
var DeclarationAllowList = workflow.ResultsAllowList{ResultPDF, ResultPaymentURL}

// NewDeclarationWorkflow builds the declaration step graph: authenticate, upload
// every entry's declaration in one browser session, then request payment
// for the batch. The whole entry list is processed by a single Run.
func NewDeclarationWorkflow(browsers BrowserFactory, renderer ArtifactRenderer) *workflow.Workflow {
	return &workflow.Workflow{
		Kind: KindDeclaration,
		Steps: []workflow.Step{
			{
				Name:           "authenticate",
				Required:       true,
				RetryCount:     3,
				TimeoutSeconds: 60,
				Handler:        declarationAuthenticate(browsers),
			},
			{
				Name:           "upload_declarations",
				Required:       true,
				DependsOn:      []string{"authenticate"},
				RetryCount:     3,
				TimeoutSeconds: 180,
				Handler:        declarationUpload(),
			},
			{
				Name:           "request_payment",
				Required:       true,
				DependsOn:      []string{"upload_declarations"},
				RetryCount:     3,
				TimeoutSeconds: 60,
				Handler:        declarationRequestPayment(),
			},
			{
				Name:           "render_receipt",
				Required:       false,
				DependsOn:      []string{"request_payment"},
				RetryCount:     2,
				TimeoutSeconds: 30,
				Handler:        declarationRenderReceipt(renderer),
			},
		},
	}
}

func declarationAuthenticate(browsers BrowserFactory) workflow.Handler {
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

func declarationUpload() workflow.Handler {
	return func(ctx context.Context, shared *workflow.Shared) (bool, error) {
		session, ok := shared.Get(SharedKeySession)
		if !ok {
			return false, errs.BusinessRule("authenticate step did not leave a browser session")
		}
		s := session.(BrowserSession)

		entriesVal, _ := shared.Get(SharedKeyEntries)
		var entries []DeclarationEntry
		switch raw := entriesVal.(type) {
		case []DeclarationEntry:
			entries = raw
		case []any:
			entries = make([]DeclarationEntry, 0, len(raw))
			for _, v := range raw {
				e, ok := v.(DeclarationEntry)
				if !ok {
					return false, errs.BusinessRule("declaration entry has unexpected type")
				}
				entries = append(entries, e)
			}
		default:
			return false, errs.BusinessRule("declaration entries missing from shared state")
		}

		if err := s.Navigate(ctx, "portal://declarations/upload"); err != nil {
			return false, errs.TransientInfrastructure("browser_session", err)
		}
		for i, e := range entries {
			if err := s.FillForm(ctx, map[string]string{
				"form_number":   e.FormNumber,
				"fiscal_period": e.FiscalPeriod,
				"tax_code":      e.TaxCode,
				"amount":        fmt.Sprintf("%.2f", e.Amount),
			}); err != nil {
				return false, errs.TransientInfrastructure("browser_session", fmt.Errorf("entry %d: %w", i, err))
			}
		}
		return true, nil
	}
}

func declarationRequestPayment() workflow.Handler {
	return func(ctx context.Context, shared *workflow.Shared) (bool, error) {
		session, ok := shared.Get(SharedKeySession)
		if !ok {
			return false, errs.BusinessRule("browser session unavailable for payment request")
		}
		s := session.(BrowserSession)

		url, err := s.ExtractField(ctx, "payment_url")
		if err != nil {
			return false, errs.TransientInfrastructure("browser_session", err)
		}
		shared.Set(ResultPaymentURL, url)
		return true, nil
	}
}

func declarationRenderReceipt(renderer ArtifactRenderer) workflow.Handler {
	return func(ctx context.Context, shared *workflow.Shared) (bool, error) {
		paymentURL, _ := shared.Get(ResultPaymentURL)
		pdf, err := renderer.RenderPDF(ctx, map[string]any{"payment_url": paymentURL})
		if err != nil {
			return false, errs.TransientInfrastructure("artifact_renderer", err)
		}
		shared.Set(ResultPDF, NewPDFArtifact("receipt.pdf", pdf))
		return true, nil
	}
}
