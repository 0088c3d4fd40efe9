// Package kinds defines the concrete workflow kinds the orchestrator
// ships with: account-reconciliation and declaration-upload. Adding a
// new kind is a matter of registering a factory here; the step engine
// itself is workflow-agnostic.
package kinds

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/arca/workflow-orchestrator/domain/workflow"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
)

const (
	// KindReconciliation runs one launch per entry, all sharing a run id.
	KindReconciliation = "account-reconciliation"
	// KindDeclaration runs one launch for the whole entry batch.
	KindDeclaration = "declaration-upload"
)

// Credentials is the credential handle shared by every workflow kind.
// The concrete secret value is resolved by a CredentialResolver
// collaborator (out of core scope); this struct only ever carries the
// identifier plus an optional inline secret supplied by the caller.
type Credentials struct {
	CUIT     string `json:"cuit"`
	Password string `json:"password,omitempty"`
}

// ID returns the credentials identifier used as the workflow fingerprint
// prefix.
func (c Credentials) ID() string {
	return c.CUIT
}

// allowedPaymentMethods are the only values form_payment may take.
var allowedPaymentMethods = map[string]bool{
	"qr":               true,
	"link":             true,
	"pago_mis_cuentas": true,
	"inter_banking":    true,
	"xn_group":         true,
}

// ValidatePaymentMethod rejects any form_payment value outside the
// allowed set at intake.
func ValidatePaymentMethod(value string) error {
	if !allowedPaymentMethods[value] {
		return errs.Validation("form_payment", fmt.Sprintf("unsupported payment method %q", value))
	}
	return nil
}

// BrowserSession is the narrow collaborator interface the core drives.
// Concrete browser-driver RPCs and the target portal's DOM scripts are
// out of scope; a production build supplies a real implementation.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	FillForm(ctx context.Context, fields map[string]string) error
	ExtractField(ctx context.Context, name string) (string, error)
	Close(ctx context.Context) error
}

// BrowserFactory leases a BrowserSession from the autoscaled fleet.
type BrowserFactory interface {
	Acquire(ctx context.Context) (BrowserSession, error)
}

// ArtifactRenderer turns extracted portal fields into a downloadable
// artifact (PDF/QR). Concrete rendering is out of scope for the core.
type ArtifactRenderer interface {
	RenderPDF(ctx context.Context, fields map[string]any) ([]byte, error)
}

// CredentialResolver resolves a credentials identifier to the secret
// used to authenticate against the tax portal, for requests that did not
// supply one inline.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialsID string) (string, error)
}

// ErrCredentialNotFound is returned by a CredentialResolver when the
// identifier has no known secret, as opposed to a transient lookup
// failure. The application service distinguishes the two at intake.
var ErrCredentialNotFound = errors.New("credential not found")

// Entry is the shape the application service needs from any workflow
// kind's per-entry payload, independent of its concrete fields.
type Entry interface {
	Fingerprint() string
	CanonicalForm() string
	Validate() error
	ExpiresAt() (time.Time, bool)
	PaymentMethod() string
}

const (
	minEntryTTL     = 300 * time.Second
	defaultEntryTTL = 3600 * time.Second
)

// EntryTTL derives the store TTL for one entry from its expiration date:
// the time remaining until expiry, floored at 300s, or 3600s when the
// entry carries no parseable expiration.
func EntryTTL(e Entry) time.Duration {
	expiresAt, ok := e.ExpiresAt()
	if !ok {
		return defaultEntryTTL
	}
	remaining := time.Until(expiresAt)
	if remaining < minEntryTTL {
		return minEntryTTL
	}
	return remaining
}

// Artifact is the downloadable-artifact envelope surfaced in a run's
// results and on the terminal event: filename, content type, and the
// base64-encoded bytes.
type Artifact struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	DataB64     string `json:"data"`
}

// NewPDFArtifact wraps raw PDF bytes in the results envelope shape.
func NewPDFArtifact(filename string, data []byte) Artifact {
	return Artifact{
		Filename:    filename,
		ContentType: "application/pdf",
		DataB64:     base64.StdEncoding.EncodeToString(data),
	}
}

// Shared resource bag keys used across both kinds' step handlers.
const (
	SharedKeyCredentials = "credentials"
	SharedKeyPassword    = "password"
	SharedKeySession     = "browser_session"
	SharedKeyEntry       = "entry"
	SharedKeyEntries     = "entries"
	SharedKeyExtracted   = "extracted_fields"

	// ResultPDF is the allow-listed Results key for a rendered PDF artifact.
	ResultPDF = "pdf"
	// ResultPaymentURL is the allow-listed Results key for a generated payment link.
	ResultPaymentURL = "payment_url"
)

// Definition describes one workflow kind: its step graph factory,
// whether the application service spawns one engine run per entry
// (multi-run) or one run for the whole entry batch, and the results keys
// the engine is permitted to surface.
type Definition struct {
	Name             string
	MultiRun         bool
	AllowList        workflow.ResultsAllowList
	BuildWorkflow    func() *workflow.Workflow
}

// Registry is the dispatch table from kind name to Definition, keeping
// the orchestrator and application service workflow-agnostic.
type Registry struct {
	definitions map[string]Definition
}

// NewRegistry builds the registry populated with both shipped kinds.
func NewRegistry(browsers BrowserFactory, renderer ArtifactRenderer) *Registry {
	r := &Registry{definitions: make(map[string]Definition)}
	r.register(Definition{
		Name:          KindReconciliation,
		MultiRun:      true,
		AllowList:     ReconciliationAllowList,
		BuildWorkflow: func() *workflow.Workflow { return NewReconciliationWorkflow(browsers, renderer) },
	})
	r.register(Definition{
		Name:          KindDeclaration,
		MultiRun:      false,
		AllowList:     DeclarationAllowList,
		BuildWorkflow: func() *workflow.Workflow { return NewDeclarationWorkflow(browsers, renderer) },
	})
	return r
}

func (r *Registry) register(d Definition) {
	r.definitions[d.Name] = d
}

// Lookup returns the Definition for kind, if registered.
func (r *Registry) Lookup(kind string) (Definition, bool) {
	d, ok := r.definitions[kind]
	return d, ok
}

// Names returns every registered kind name, for the GET /workflows listing.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	return names
}
